// ABOUTME: HTTP API handlers for submitting runs, fs requests, and cancels, and for listing the fleet.
// ABOUTME: Streams per-project run events as Server-Sent Events.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/sandbox-fleet/internal/agent"
	"github.com/2389/sandbox-fleet/internal/protocol"
	"github.com/2389/sandbox-fleet/internal/sandboxfs"
	"github.com/2389/sandbox-fleet/internal/store"
)

// maxBodySize bounds request bodies, fs:write payloads included.
const maxBodySize = 32 << 20

// sseKeepalive is the interval between SSE comment lines on idle streams.
const sseKeepalive = 15 * time.Second

// RunRequestBody is the JSON request body for the run endpoints.
type RunRequestBody struct {
	RequestID string            `json:"requestId,omitempty"`
	ProjectID string            `json:"projectId,omitempty"` // direct agent runs only
	Code      string            `json:"code,omitempty"`
	Language  string            `json:"language,omitempty"`
	Cmd       string            `json:"cmd,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs *int64            `json:"timeOutMs,omitempty"`
	Stdin     bool              `json:"stdin,omitempty"`
}

// CancelRequestBody is the JSON request body for POST /api/projects/{projectId}/cancel.
type CancelRequestBody struct {
	RequestID string `json:"requestId"`
}

// CancelResponse is the JSON response for an accepted cancel or input.
type CancelResponse struct {
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId"`
}

// InputRequestBody is the JSON request body for POST /api/projects/{projectId}/input.
type InputRequestBody struct {
	RequestID string `json:"requestId"`
	Data      string `json:"data,omitempty"`
	Binary    bool   `json:"binary,omitempty"`
	EOF       bool   `json:"eof,omitempty"`
}

// FSRequestBody is the JSON request body for POST /api/projects/{projectId}/fs/{op}.
type FSRequestBody struct {
	RequestID string  `json:"requestId,omitempty"`
	Path      string  `json:"path"`
	Data      *string `json:"data,omitempty"`
	Binary    bool    `json:"binary,omitempty"`
}

// PinResponse is one entry of GET /api/pins.
type PinResponse struct {
	ProjectID string `json:"projectId"`
	AgentID   string `json:"agentId"`
}

var fsOps = map[string]string{
	"read":  protocol.TypeFSRead,
	"write": protocol.TypeFSWrite,
	"list":  protocol.TypeFSList,
	"stat":  protocol.TypeFSStat,
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.agentManager.ListAgents())
}

// handleListPins handles GET /api/pins.
func (g *Gateway) handleListPins(w http.ResponseWriter, r *http.Request) {
	pins := g.router.Pins()
	resp := make([]PinResponse, 0, len(pins))
	for projectID, agentID := range pins {
		resp = append(resp, PinResponse{ProjectID: projectID, AgentID: agentID})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleFleetEvents handles GET /api/agents/events.
// Supports ?limit=, ?agentId= and ?kind= filters.
func (g *Gateway) handleFleetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.EventFilter
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if agentID := q.Get("agentId"); agentID != "" {
		filter.AgentID = &agentID
	}
	if raw := q.Get("kind"); raw != "" {
		kind := store.EventKind(raw)
		filter.Kind = &kind
	}

	events, err := g.store.ListFleetEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing fleet events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list fleet events")
		return
	}
	g.writeJSON(w, http.StatusOK, events)
}

// handleProjectRun handles POST /api/projects/{projectId}/run.
func (g *Gateway) handleProjectRun(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	req, err := parseRunRequest(r.Body, projectID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.RunOnProject(r.Context(), req)
	g.writeRunResult(w, r, res, err)
}

// handleAgentRun handles POST /api/agents/{agentId}/run. The project
// defaults to sandbox-<agentId> and no pin is created.
func (g *Gateway) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	conn, ok := g.agentManager.GetAgent(agentID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("agent %s is not connected", agentID))
		return
	}

	req, err := parseRunRequest(r.Body, "")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = "sandbox-" + agentID
	}
	if err := validateRun(req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.RunOnAgent(r.Context(), conn, req)
	g.writeRunResult(w, r, res, err)
}

func (g *Gateway) writeRunResult(w http.ResponseWriter, r *http.Request, res *protocol.RunResult, err error) {
	if err != nil {
		g.writeForwardError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleCancel handles POST /api/projects/{projectId}/cancel.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	key := protocol.Key{ProjectID: r.PathValue("projectId"), RequestID: body.RequestID}
	agentID, err := g.Cancel(key)
	if err != nil {
		g.writeForwardError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, CancelResponse{
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
		AgentID:   agentID,
	})
}

// handleInput handles POST /api/projects/{projectId}/input.
func (g *Gateway) handleInput(w http.ResponseWriter, r *http.Request) {
	var body InputRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in := &protocol.RunInput{
		Type:      protocol.TypeRunInput,
		ProjectID: r.PathValue("projectId"),
		RequestID: body.RequestID,
		Data:      body.Data,
		Binary:    body.Binary,
		EOF:       body.EOF,
	}
	if _, err := in.Bytes(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID, err := g.Input(in)
	if err != nil {
		g.writeForwardError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, CancelResponse{
		ProjectID: in.ProjectID,
		RequestID: in.RequestID,
		AgentID:   agentID,
	})
}

// handleFS handles POST /api/projects/{projectId}/fs/{op}.
func (g *Gateway) handleFS(w http.ResponseWriter, r *http.Request) {
	reqType, ok := fsOps[r.PathValue("op")]
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown fs operation %q", r.PathValue("op")))
		return
	}

	var body FSRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := &protocol.FSRequest{
		Type:      reqType,
		ProjectID: r.PathValue("projectId"),
		RequestID: body.RequestID,
		Path:      body.Path,
		Data:      body.Data,
		Binary:    body.Binary,
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}
	if err := req.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !sandboxfs.ValidProjectID(req.ProjectID) {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid project id %q", req.ProjectID))
		return
	}

	reply, err := g.FS(r.Context(), req)
	if err != nil {
		g.writeForwardError(w, r, err)
		return
	}
	g.writeJSON(w, fsStatus(reply), reply)
}

// fsStatus maps an fs reply to an HTTP status.
func fsStatus(reply *protocol.FSReply) int {
	if reply.OK() {
		return http.StatusOK
	}
	switch reply.Reason {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindPathEscape:
		return http.StatusForbidden
	case protocol.KindInvalidPayload:
		return http.StatusBadRequest
	case protocol.KindCorrelationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleProjectEvents handles GET /api/projects/{projectId}/events as an
// SSE stream of run_started, run_output, run_result and cancel_run:error.
func (g *Gateway) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	projectID := r.PathValue("projectId")
	ch, _ := g.hub.Subscribe(r.Context(), projectID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "subscribed", map[string]string{"projectId": projectID})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// parseRunRequest decodes and validates a run body. A run with code is
// run_js; a run with cmd is run. An empty projectID skips validation so
// the caller can default it.
func parseRunRequest(r io.Reader, projectID string) (*protocol.RunRequest, error) {
	var body RunRequestBody
	if err := json.NewDecoder(io.LimitReader(r, maxBodySize)).Decode(&body); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	req := &protocol.RunRequest{
		ProjectID: body.ProjectID,
		RequestID: body.RequestID,
		Code:      body.Code,
		Language:  body.Language,
		Cmd:       body.Cmd,
		Args:      body.Args,
		Env:       body.Env,
		TimeoutMs: body.TimeoutMs,
		Stdin:     body.Stdin,
	}
	if projectID != "" {
		req.ProjectID = projectID
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}

	switch {
	case body.Code != "" && body.Cmd != "":
		return nil, errors.New("exactly one of code or cmd is required")
	case body.Code != "":
		req.Type = protocol.TypeRunJS
	case body.Cmd != "":
		req.Type = protocol.TypeRun
	default:
		return nil, errors.New("code or cmd is required")
	}

	if req.ProjectID == "" {
		return req, nil
	}
	if err := validateRun(req); err != nil {
		return nil, err
	}
	return req, nil
}

func validateRun(req *protocol.RunRequest) error {
	if !sandboxfs.ValidProjectID(req.ProjectID) {
		return fmt.Errorf("invalid project id %q", req.ProjectID)
	}
	return req.Validate()
}

// writeForwardError maps forwarding errors to HTTP statuses. A caller that
// went away gets nothing.
func (g *Gateway) writeForwardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil && errors.Is(err, context.Canceled):
		g.logger.Debug("caller went away", "path", r.URL.Path)
	case errors.Is(err, protocol.ErrDuplicateRequest):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, protocol.ErrNoAgentsAvailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrProjectNotPinned), errors.Is(err, agent.ErrAgentNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrCapabilityMissing):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, protocol.ErrTransport):
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, protocol.ErrCorrelationTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		g.logger.Error("forwarding request", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
