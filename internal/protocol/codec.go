// ABOUTME: JSON framing for protocol messages: decode by "type" discriminator, encode any message.
// ABOUTME: Also provides the base64/text payload helpers used by fs:read and fs:write.

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode when the frame is not a JSON object
// with a string "type".
var ErrMalformed = errors.New("malformed message")

// Envelope holds the fields every message shares. It is decoded first so
// that a reply can still be addressed when the full payload is malformed.
type Envelope struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
}

// PeekEnvelope extracts the discriminator and ids without decoding the
// rest of the message.
func PeekEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Decode parses a frame into its typed message. Unknown discriminators
// yield *Unknown and a nil error. A known type whose fields fail to decode
// returns an error wrapping ErrInvalidPayload together with the envelope.
func Decode(data []byte) (any, Envelope, error) {
	env, err := PeekEnvelope(data)
	if err != nil {
		return nil, env, err
	}

	var msg any
	switch env.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeRunStarted:
		msg = &RunStarted{}
	case TypeRunOutput:
		msg = &RunOutput{}
	case TypeRunResult:
		msg = &RunResult{}
	case TypeRunJS, TypeRun:
		msg = &RunRequest{}
	case TypeCancelRun:
		msg = &CancelRun{}
	case TypeCancelError:
		msg = &CancelError{}
	case TypeRunInput:
		msg = &RunInput{}
	case TypeInputError:
		msg = &InputError{}
	case TypeFSRead, TypeFSWrite, TypeFSList, TypeFSStat:
		msg = &FSRequest{}
	default:
		if isFSReply(env.Type) {
			msg = &FSReply{}
		} else {
			return &Unknown{Type: env.Type}, env, nil
		}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, env, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return msg, env, nil
}

func isFSReply(t string) bool {
	for _, op := range []string{TypeFSRead, TypeFSWrite, TypeFSList, TypeFSStat} {
		if t == op+":ok" || t == op+":error" {
			return true
		}
	}
	return false
}

// Encode marshals any message to a frame.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodePayload renders file content for an fs reply.
func EncodePayload(data []byte, binary bool) string {
	if binary {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}

// DecodePayload converts fs:write data to bytes.
func DecodePayload(data string, binary bool) ([]byte, error) {
	if !binary {
		return []byte(data), nil
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: data is not valid base64: %v", ErrInvalidPayload, err)
	}
	return b, nil
}
