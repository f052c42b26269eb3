package call

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/storage"
)

// fakePeer mimics peer.Session: candidates added before the remote
// description are buffered, and it reports connected once both descriptions
// are in place when autoConnect is set.
type fakePeer struct {
	owner       string
	callID      string
	deny        error
	autoConnect bool

	mu            sync.Mutex
	opened        bool
	local         bool
	remote        bool
	answers       int
	remoteSets    int
	pending       []*model.ICECandidate
	applied       []string
	closed        int
	events        chan peer.Event
	sentCandidate bool
	// hold, when set, parks AddRemoteCandidate until closed; held is
	// signalled on entry
	hold chan struct{}
	held chan struct{}
}

func (f *fakePeer) holdCandidates() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold, f.held = make(chan struct{}), make(chan struct{}, 1)
	return f.held, func() { close(f.hold) }
}

func (f *fakePeer) Open(ctx context.Context, _ model.CallType) error {
	if f.deny != nil {
		return f.deny
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) CreateOffer(context.Context) (*model.Offer, error) {
	f.mu.Lock()
	f.local = true
	f.mu.Unlock()
	f.candidate()
	return &model.Offer{SDP: "v=0 offer " + f.owner}, nil
}

func (f *fakePeer) CreateAnswer(_ context.Context, _ *model.Offer) (*model.Answer, error) {
	f.mu.Lock()
	f.answers++
	f.local = true
	f.setRemoteLocked()
	f.mu.Unlock()
	f.candidate()
	f.maybeConnect()
	return &model.Answer{SDP: "v=0 answer " + f.owner}, nil
}

func (f *fakePeer) SetRemoteAnswer(*model.Answer) error {
	f.mu.Lock()
	f.remoteSets++
	f.setRemoteLocked()
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakePeer) setRemoteLocked() {
	if f.remote {
		return
	}
	f.remote = true
	for _, c := range f.pending {
		f.applied = append(f.applied, c.Candidate)
	}
	f.pending = nil
}

func (f *fakePeer) AddRemoteCandidate(c *model.ICECandidate) error {
	f.mu.Lock()
	hold, held := f.hold, f.held
	f.mu.Unlock()
	if hold != nil {
		select {
		case held <- struct{}{}:
		default:
		}
		<-hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remote {
		f.pending = append(f.pending, c)
		return nil
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakePeer) Events() <-chan peer.Event { return f.events }

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) candidate() {
	f.mu.Lock()
	if f.sentCandidate {
		f.mu.Unlock()
		return
	}
	f.sentCandidate = true
	f.mu.Unlock()
	f.events <- peer.Event{Kind: peer.EventCandidate, Candidate: &model.ICECandidate{Candidate: "candidate:" + f.owner}}
}

func (f *fakePeer) maybeConnect() {
	if f.autoConnect {
		f.state(peer.StateConnected)
	}
}

func (f *fakePeer) state(st peer.State) {
	f.events <- peer.Event{Kind: peer.EventState, State: st}
}

func (f *fakePeer) snapshot() (applied []string, pending, answers, remoteSets, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...), len(f.pending), f.answers, f.remoteSets, f.closed
}

// peers records every fakePeer handed out, keyed by owner and call id.
type peers struct {
	mu          sync.Mutex
	byKey       map[string]*fakePeer
	deny        map[string]error
	autoConnect bool
}

func newPeers() *peers {
	return &peers{byKey: map[string]*fakePeer{}, deny: map[string]error{}, autoConnect: true}
}

func (p *peers) factory(owner string) PeerFactory {
	return func(callID string) Peer {
		p.mu.Lock()
		defer p.mu.Unlock()
		fp := &fakePeer{
			owner:       owner,
			callID:      callID,
			deny:        p.deny[owner],
			autoConnect: p.autoConnect,
			events:      make(chan peer.Event, 64),
		}
		p.byKey[owner+"/"+callID] = fp
		return fp
	}
}

func (p *peers) get(owner, callID string) *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey[owner+"/"+callID]
}

func (p *peers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

type env struct {
	db    *storage.DB
	feed  *feed.Feed
	peers *peers
	carol *Manager
	dave  *Manager
	cfg   Config
}

func testConfig() Config {
	return Config{
		RingTimeout:       5 * time.Second,
		ConnectTimeout:    5 * time.Second,
		DisconnectGrace:   5 * time.Second,
		ReconcileInterval: 200 * time.Millisecond,
	}
}

func newEnv(t *testing.T, cfg Config, tweak ...func(*peers)) *env {
	t.Helper()
	return newEnvWithFeed(t, cfg, feed.Options{PollInterval: 20 * time.Millisecond}, tweak...)
}

func newEnvWithFeed(t *testing.T, cfg Config, opts feed.Options, tweak ...func(*peers)) *env {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	f := feed.New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Start(ctx))

	ps := newPeers()
	for _, fn := range tweak {
		fn(ps)
	}
	e := &env{db: db, feed: f, peers: ps, cfg: cfg}
	e.carol = New("carol", db, f, ps.factory("carol"), cfg)
	e.dave = New("dave", db, f, ps.factory("dave"), cfg)
	t.Cleanup(func() {
		e.carol.Close()
		e.dave.Close()
		cancel()
		f.Close()
		db.Close()
	})
	return e
}

func (e *env) waitStatus(t *testing.T, callID string, want model.Status) model.Call {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := e.db.GetCall(ctx, callID)
		return err == nil && c.Status == want
	}, 5*time.Second, 10*time.Millisecond, "call %s never reached %s", callID, want)
	c, err := e.db.GetCall(ctx, callID)
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish (status %s)", s.ID(), s.Snapshot().Status)
	}
}
