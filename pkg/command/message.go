package command

import "github.com/google/uuid"

// Message is an inbound command delivery from the transport ingress.
// MessageID is the transport-level id used for inbox deduplication;
// CommandID identifies the command record itself.
type Message struct {
	MessageID     string
	CommandID     uuid.UUID
	CorrelationID uuid.UUID
	CommandType   string
	BusinessKey   string
	Payload       string
	Headers       map[string]string
	ReplyTo       string
}

// Header returns a header value or the empty string.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}
