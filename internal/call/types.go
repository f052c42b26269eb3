package call

import (
	"context"
	"time"

	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signaling"
)

// Peer is the media and negotiation runtime a session drives.
// *peer.Session satisfies it.
type Peer interface {
	Open(ctx context.Context, callType model.CallType) error
	CreateOffer(ctx context.Context) (*model.Offer, error)
	CreateAnswer(ctx context.Context, remote *model.Offer) (*model.Answer, error)
	SetRemoteAnswer(answer *model.Answer) error
	AddRemoteCandidate(c *model.ICECandidate) error
	Events() <-chan peer.Event
	Close() error
}

// PeerFactory builds an unopened Peer for a call id.
type PeerFactory func(callID string) Peer

// Store is the call store as seen by the state machine.
type Store interface {
	signaling.Store
	CreateCall(ctx context.Context, c model.Call) (model.Call, error)
	GetCall(ctx context.Context, id string) (model.Call, error)
	Transition(ctx context.Context, id string, to model.Status, at time.Time) (model.Call, error)
	ActiveBetween(ctx context.Context, a, b string) ([]model.Call, error)
}

// Role is which side of the call this process is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Config holds the timing policy of call attempts.
type Config struct {
	// RingTimeout turns an unanswered outgoing call into missed.
	RingTimeout time.Duration
	// ConnectTimeout ends a call stuck in connecting.
	ConnectTimeout time.Duration
	// DisconnectGrace is how long a disconnected peer may take to recover.
	DisconnectGrace time.Duration
	// ReconcileInterval re-reads the call record and signals periodically.
	// Zero disables the periodic read.
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:       45 * time.Second,
		ConnectTimeout:    30 * time.Second,
		DisconnectGrace:   10 * time.Second,
		ReconcileInterval: 5 * time.Second,
	}
}

// Snapshot is the externally visible state of one call session.
type Snapshot struct {
	CallID    string           `json:"call_id"`
	Role      Role             `json:"role"`
	Self      string           `json:"self"`
	Peer      string           `json:"peer"`
	CallType  model.CallType   `json:"call_type"`
	Status    model.Status     `json:"status"`
	Glare     bool             `json:"glare,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Duration  int64            `json:"duration"`
	Tracks    []peer.TrackInfo `json:"tracks,omitempty"`
	Error     string           `json:"error,omitempty"`
	Done      bool             `json:"done"`

	Err error `json:"-"`
}
