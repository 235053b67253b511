package command

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ReplyStatus is the outcome reported back to a command's caller.
type ReplyStatus string

const (
	ReplyCompleted ReplyStatus = "COMPLETED"
	ReplyFailed    ReplyStatus = "FAILED"
	ReplyTimedOut  ReplyStatus = "TIMED_OUT"
)

// Reply carries the result of a command execution. CorrelationID links
// the reply to the submitter (for process steps it is the process id).
type Reply struct {
	CommandID     uuid.UUID      `json:"commandId"`
	CorrelationID uuid.UUID      `json:"correlationId"`
	Status        ReplyStatus    `json:"status"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// CompletedReply builds a successful reply.
func CompletedReply(commandID, correlationID uuid.UUID, data map[string]any) *Reply {
	if data == nil {
		data = map[string]any{}
	}
	return &Reply{CommandID: commandID, CorrelationID: correlationID, Status: ReplyCompleted, Data: data}
}

// FailedReply builds a failed reply.
func FailedReply(commandID, correlationID uuid.UUID, errMsg string) *Reply {
	return &Reply{CommandID: commandID, CorrelationID: correlationID, Status: ReplyFailed, Error: errMsg}
}

// TimedOutReply builds a timeout reply.
func TimedOutReply(commandID, correlationID uuid.UUID, errMsg string) *Reply {
	return &Reply{CommandID: commandID, CorrelationID: correlationID, Status: ReplyTimedOut, Error: errMsg}
}

// IsSuccess reports whether the command completed.
func (r *Reply) IsSuccess() bool { return r.Status == ReplyCompleted }

// IsFailure reports whether the command failed or timed out.
func (r *Reply) IsFailure() bool { return r.Status == ReplyFailed || r.Status == ReplyTimedOut }

// ToJSON serializes the reply for the wire and for the command record.
func (r *Reply) ToJSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"FAILED","error":"reply serialization failed"}`
	}
	return string(b)
}

// ReplyFromJSON parses a reply received from the wire.
func ReplyFromJSON(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
