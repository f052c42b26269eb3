// Package model holds the call and signal records shared by every layer of the
// calling stack, the status DAG that governs them, and the typed signaling
// payloads carried inside call_signals rows.
package model

import (
	"time"
)

// CallType is immutable for the lifetime of a call.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

// Status is the persisted lifecycle state of a call.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDeclined   Status = "declined"
	StatusEnded      Status = "ended"
	StatusMissed     Status = "missed"
)

// transitions is the only set of edges a call record may take.
var transitions = map[Status][]Status{
	StatusRinging:    {StatusConnecting, StatusDeclined, StatusMissed},
	StatusConnecting: {StatusConnected, StatusEnded},
	StatusConnected:  {StatusEnded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusConnecting, StatusConnected,
		StatusDeclined, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded || s == StatusMissed
}

// Active reports whether s is a live, non-terminal call state.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether from -> to is an edge of the status DAG.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Call is one call attempt between a caller and a callee.
type Call struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"caller_id" validate:"required,max=128"`
	CalleeID  string     `json:"callee_id" validate:"required,max=128"`
	CallType  CallType   `json:"call_type" validate:"required,oneof=voice video"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int64      `json:"duration"` // seconds, meaningful once EndedAt is set
}

// Peer returns the other participant as seen by self.
func (c Call) Peer(self string) string {
	if c.CallerID == self {
		return c.CalleeID
	}
	return c.CallerID
}

// Involves reports whether user is the caller or the callee.
func (c Call) Involves(user string) bool {
	return c.CallerID == user || c.CalleeID == user
}

// Before orders calls by creation time, breaking ties by id. Used to pick the
// surviving call when both users dial each other at once.
func (c Call) Before(o Call) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// ValidateNew checks the immutable fields of a call about to be created.
func ValidateNew(c Call) error {
	if c.CallerID != "" && c.CallerID == c.CalleeID {
		return ErrSelfCall
	}
	if err := validate.Struct(c); err != nil {
		return wrapValidation(ErrInvalidCall, "call", err)
	}
	return nil
}
