// Package envelope defines the routing wrapper carried between message bus
// producers, transports, and subscribers.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable record passed through the bus. Exported fields
// are conventionally read-only after construction; helper methods never
// mutate receiver state.
type Envelope struct {
	ID            string
	Type          string
	SourceServer  string
	TargetServer  *string
	Payload       any
	Timestamp     time.Time
	CorrelationID *string
}

// New constructs an envelope with a fresh id and the current wall clock time.
func New(msgType, sourceServer string, target *string, payload any, correlationID *string) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		SourceServer:  sourceServer,
		TargetServer:  target,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// IsBroadcast reports whether the envelope has no specific target server.
func (e Envelope) IsBroadcast() bool {
	return e.TargetServer == nil
}

// IsResponseTo reports whether this envelope carries a correlation id matching requestID.
func (e Envelope) IsResponseTo(requestID string) bool {
	return e.CorrelationID != nil && *e.CorrelationID == requestID
}

// Target returns the target server id and whether one was set.
func (e Envelope) Target() (string, bool) {
	if e.TargetServer == nil {
		return "", false
	}
	return *e.TargetServer, true
}

// StringPtr is a small helper for constructing optional string fields.
func StringPtr(s string) *string {
	return &s
}
