// Package call runs the call state machine: one Session (an event-loop actor)
// per call attempt, created by the Manager for outgoing calls and on accept of
// incoming ones. The call record in the store is the single source of truth;
// sessions only ever move it along the status DAG with read-verified writes.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/signaling"
)

// Manager owns the live call sessions of one user.
type Manager struct {
	self    string
	store   Store
	sub     signaling.Subscriber
	newPeer PeerFactory
	cfg     Config
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	glareWon map[string]bool // inbound call id → surfaced after winning glare
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}
}

// New creates a Manager acting as user self.
func New(self string, store Store, sub signaling.Subscriber, newPeer PeerFactory, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:      self,
		store:     store,
		sub:       sub,
		newPeer:   newPeer,
		cfg:       cfg,
		log:       log.With().Str("cmp", "call").Str("self", self).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		glareWon:  make(map[string]bool),
		listeners: make(map[chan Snapshot]struct{}),
	}
}

// Self returns the user this manager acts for.
func (m *Manager) Self() string { return m.self }

// StartOutgoing dials callee. Local media is acquired before the call record
// is created, so a denied device leaves nothing behind. Returns a
// *model.GlareError when callee is already ringing us, and model.ErrBusy when
// a call is already in progress.
func (m *Manager) StartOutgoing(ctx context.Context, callee string, callType model.CallType) (*Session, error) {
	draft := model.Call{ID: uuid.NewString(), CallerID: m.self, CalleeID: callee, CallType: callType}
	if err := model.ValidateNew(draft); err != nil {
		return nil, err
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.Busy() {
		return nil, model.ErrBusy
	}

	existing, err := m.store.ActiveBetween(ctx, m.self, callee)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.CallerID == callee && c.Status == model.StatusRinging {
			return nil, &model.GlareError{Existing: c}
		}
		// Leftover from a previous run of this process; one live call per
		// pair at a time.
		m.log.Warn().Str("call", c.ID).Str("status", string(c.Status)).Msg("abandoning stale call")
		if err := m.finishRecord(ctx, c.ID); err != nil {
			return nil, err
		}
	}

	p := m.newPeer(draft.ID)
	if err := p.Open(ctx, callType); err != nil {
		p.Close()
		return nil, err
	}
	c, err := m.store.CreateCall(ctx, draft)
	if err != nil {
		p.Close()
		return nil, err
	}

	s := newSession(m, c, RoleCaller, p, false)
	return m.spawn(ctx, s, s.startCaller)
}

// AcceptIncoming answers a ringing call addressed to us. Accepting a call
// that already has a session returns that session.
func (m *Manager) AcceptIncoming(ctx context.Context, callID string) (*Session, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if s, ok := m.Session(callID); ok {
		if s.role != RoleCallee {
			return nil, fmt.Errorf("%w: %s is our own outgoing call", model.ErrInvalidCall, callID)
		}
		return s, nil
	}
	if m.Busy() {
		return nil, model.ErrBusy
	}

	c, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.CalleeID != m.self {
		return nil, fmt.Errorf("%w: %s is not addressed to %s", model.ErrInvalidCall, callID, m.self)
	}
	if c.Status != model.StatusRinging {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrStaleTransition, callID, c.Status)
	}

	m.mu.Lock()
	glare := m.glareWon[callID]
	delete(m.glareWon, callID)
	m.mu.Unlock()

	s := newSession(m, c, RoleCallee, m.newPeer(callID), glare)
	return m.spawn(ctx, s, s.startCallee)
}

// Decline rejects a call. Without a live session the record is written
// directly and no media is ever opened. Declining a finished call is a no-op.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	if s, ok := m.Session(callID); ok {
		return s.Hangup(ctx)
	}
	return m.finishRecord(ctx, callID)
}

// DeclineRinging declines a ringing call that has no local session, as the
// busy path does. A call with a live session, or one that already moved on, is
// left alone.
func (m *Manager) DeclineRinging(ctx context.Context, callID string) error {
	if _, live := m.Session(callID); live {
		return nil
	}
	_, err := m.store.Transition(ctx, callID, model.StatusDeclined, time.Now())
	if errors.Is(err, model.ErrStaleTransition) || errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Hangup ends a call from either side. Hanging up a finished call is a no-op.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	if s, ok := m.Session(callID); ok {
		return s.Hangup(ctx)
	}
	return m.finishRecord(ctx, callID)
}

// finishRecord moves a call without a local session to its terminal status,
// re-reading the record when the write loses a race.
func (m *Manager) finishRecord(ctx context.Context, callID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := m.store.GetCall(ctx, callID)
		if err != nil {
			return err
		}
		to := model.StatusEnded
		switch {
		case c.Status.Terminal():
			return nil
		case c.Status == model.StatusRinging:
			to = model.StatusDeclined
		}
		_, err = m.store.Transition(ctx, callID, to, time.Now())
		if err == nil {
			m.log.Info().Str("call", callID).Str("status", string(to)).Msg("call record closed")
			return nil
		}
		if !errors.Is(err, model.ErrStaleTransition) && !errors.Is(err, model.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// ResolveGlare decides what to do with an inbound ringing call while we may be
// dialing the same user. The earlier call (created_at, then id) survives on
// both sides, so both processes reach the same outcome independently.
//
// glare reports whether a crossing outgoing call existed. surface reports
// whether inbound should be shown to the user.
func (m *Manager) ResolveGlare(ctx context.Context, inbound model.Call) (glare, surface bool, err error) {
	out := m.outgoingRingingTo(inbound.CallerID)
	if out == nil {
		return false, true, nil
	}
	mine := out.Snapshot()
	ours := model.Call{ID: mine.CallID, CreatedAt: mine.CreatedAt}

	if ours.Before(inbound) {
		m.log.Info().Str("call", inbound.ID).Str("kept", ours.ID).Msg("glare: declining later inbound call")
		_, err := m.store.Transition(ctx, inbound.ID, model.StatusDeclined, time.Now())
		if errors.Is(err, model.ErrStaleTransition) {
			err = nil
		}
		return true, false, err
	}

	m.log.Info().Str("call", inbound.ID).Str("cancelled", ours.ID).Msg("glare: yielding to earlier inbound call")
	m.mu.Lock()
	m.glareWon[inbound.ID] = true
	m.mu.Unlock()
	if err := out.send(ctx, command{kind: cmdGlareCancel, cause: &model.GlareError{Existing: inbound}}); err != nil {
		return true, true, err
	}
	// Wait for teardown so the inbound call is not refused as busy.
	select {
	case <-out.Done():
	case <-ctx.Done():
		return true, true, ctx.Err()
	}
	return true, true, nil
}

func (m *Manager) outgoingRingingTo(user string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		snap := s.Snapshot()
		if snap.Role == RoleCaller && snap.Peer == user && snap.Status == model.StatusRinging {
			return s
		}
	}
	return nil
}

// Busy reports whether any call session is live.
func (m *Manager) Busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) > 0
}

// BusyExcept reports whether a session other than callID's is live.
func (m *Manager) BusyExcept(callID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.sessions {
		if id != callID {
			return true
		}
	}
	return false
}

// Session returns the live session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns snapshots of all live sessions.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.MapToSlice(m.sessions, func(_ string, s *Session) Snapshot {
		return s.Snapshot()
	})
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("call manager closed")
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, s *Session, start func(context.Context) error) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.peer.Close()
		return nil, errors.New("call manager closed")
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		s.run(m.ctx, start)
	}()

	select {
	case err := <-s.ready:
		if err != nil {
			return s, err
		}
		return s, nil
	case <-ctx.Done():
		return s, ctx.Err()
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Subscribe returns a channel of session snapshots and a cancel function.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) broadcast(snap Snapshot) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- snap:
		default:
			m.log.Warn().Str("call", snap.CallID).Msg("session listener full, dropping update")
		}
	}
}

// Close hangs up every live session and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
