// Package cooldown implements the keyed reservation store guarding
// player-initiated command admission: two contention policies, an alias
// union-find graph, and a delayed-expiry reaper.
package cooldown

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key identifies a throttle slot. Equality is structural over all four fields.
type Key struct {
	Namespace string
	Name      string
	SubjectID uuid.UUID
	ContextID string
}

// NewKey trims namespace/name for comparison and storage. Callers should
// construct Keys through NewKey rather than the struct literal to get this
// normalization automatically.
func NewKey(namespace, name string, subjectID uuid.UUID, contextID string) (Key, error) {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)
	if namespace == "" || name == "" {
		return Key{}, ErrInvalidArgument("namespace and name must not be blank")
	}
	return Key{Namespace: namespace, Name: name, SubjectID: subjectID, ContextID: strings.TrimSpace(contextID)}, nil
}

// Policy is the contention rule applied when Acquire finds an active entry.
type Policy int

const (
	// RejectWhileActive keeps the existing expiry and rejects the new acquire.
	RejectWhileActive Policy = iota
	// ExtendOnAcquire moves the expiry forward to now + window.
	ExtendOnAcquire
)

func (p Policy) String() string {
	switch p {
	case RejectWhileActive:
		return "reject-while-active"
	case ExtendOnAcquire:
		return "extend-on-acquire"
	default:
		return "unknown"
	}
}

// Spec describes a throttle slot's window and contention policy.
type Spec struct {
	Window time.Duration
	Policy Policy
}

// NewSpec validates window is strictly positive.
func NewSpec(window time.Duration, policy Policy) (Spec, error) {
	if window <= 0 {
		return Spec{}, ErrInvalidArgument("cooldown window must be strictly positive")
	}
	return Spec{Window: window, Policy: policy}, nil
}

// Ticket is returned only when an acquisition was accepted.
type Ticket struct {
	Key       Key
	ExpiresAt time.Time
}

// Acquisition is the tagged result of Acquire: exactly one of Accepted or
// Rejected is populated, indicated by the Accepted field.
type Acquisition struct {
	Accepted  bool
	Ticket    Ticket
	Remaining time.Duration
}
