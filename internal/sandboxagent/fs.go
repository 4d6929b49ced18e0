// ABOUTME: Handlers for fs:read, fs:write, fs:list and fs:stat against a project's sandbox root
// ABOUTME: Maps sandboxfs errors onto fs:*:error replies with a reason code

package sandboxagent

import (
	"github.com/2389/sandbox-fleet/internal/protocol"
)

// handleFS executes req and always returns an addressed reply.
func (a *Agent) handleFS(req *protocol.FSRequest) *protocol.FSReply {
	key := req.Key()
	fail := func(err error) *protocol.FSReply {
		a.logger.Debug("fs request failed", "type", req.Type, "key", key.String(), "path", req.Path, "error", err)
		return protocol.FSFailed(req.Type, key, protocol.KindOf(err), err.Error())
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}
	root, err := a.roots.Open(req.ProjectID)
	if err != nil {
		return fail(err)
	}

	reply := protocol.FSOK(req)
	switch req.Type {
	case protocol.TypeFSRead:
		data, err := root.Read(req.Path)
		if err != nil {
			return fail(err)
		}
		reply.Data = protocol.EncodePayload(data, req.Binary)
		reply.Binary = req.Binary
	case protocol.TypeFSWrite:
		data, err := protocol.DecodePayload(*req.Data, req.Binary)
		if err != nil {
			return fail(err)
		}
		if err := root.Write(req.Path, data); err != nil {
			return fail(err)
		}
	case protocol.TypeFSList:
		entries, err := root.List(req.Path)
		if err != nil {
			return fail(err)
		}
		reply.Entries = entries
	case protocol.TypeFSStat:
		st, err := root.Stat(req.Path)
		if err != nil {
			return fail(err)
		}
		reply.Stat = st
	}
	return reply
}
