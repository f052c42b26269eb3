// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/incoming"
	"github.com/petervdpas/peercall/internal/model"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the call manager as used by the API. *call.Manager satisfies it.
type Calls interface {
	Self() string
	StartOutgoing(ctx context.Context, callee string, callType model.CallType) (*call.Session, error)
	Hangup(ctx context.Context, callID string) error
	Sessions() []call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

// Incoming is the incoming-call surface. *incoming.Listener satisfies it.
type Incoming interface {
	Current() (incoming.Incoming, bool)
	Accept(ctx context.Context, callID string) (*call.Session, error)
	Decline(ctx context.Context, callID string) error
	Subscribe() (<-chan incoming.Update, func())
}

type History interface {
	ListCalls(ctx context.Context, user string, limit int) ([]model.Call, error)
}

type FeedStats interface {
	Subscribers() map[string]int
	Watermark() int64
	Recent(n int) []feed.Event
}

type Deps struct {
	Calls    Calls
	Incoming Incoming
	History  History
	Feed     FeedStats
	Logs     Logs
	Presence *Presence
}

// Presence counts attached UI clients (open websockets).
type Presence struct {
	n atomic.Int32
}

// Attached reports whether at least one UI client is connected.
func (p *Presence) Attached() bool {
	return p != nil && p.n.Load() > 0
}

func (p *Presence) enter() (leave func()) {
	if p == nil {
		return func() {}
	}
	p.n.Add(1)
	return func() { p.n.Add(-1) }
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	RegisterCall(mux, d)
}
