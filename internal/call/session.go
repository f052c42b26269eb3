package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/signaling"
)

const finalWriteTimeout = 5 * time.Second

type cmdKind int

const (
	cmdHangup cmdKind = iota + 1
	cmdGlareCancel
)

type command struct {
	kind  cmdKind
	cause error
	reply chan error
}

// Session is one call attempt. All call state is owned by its event loop;
// every input (local commands, remote signals, call record changes, peer
// events, timers) is serialized through that loop, so a hangup that arrives
// mid-negotiation is handled after the step in flight.
type Session struct {
	id   string
	m    *Manager
	role Role
	log  zerolog.Logger

	// loop-owned
	call      model.Call
	peer      Peer
	ch        *signaling.Channel
	status    *feed.Subscription
	answered  bool
	remoteSet bool
	glare     bool
	finished  bool
	err       error
	tracks    []peer.TrackInfo
	ring      timer
	connect   timer
	grace     timer

	cmds  chan command
	ready chan error
	done  chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

func newSession(m *Manager, c model.Call, role Role, p Peer, glare bool) *Session {
	s := &Session{
		id:    c.ID,
		m:     m,
		role:  role,
		log:   m.log.With().Str("call", c.ID).Str("role", string(role)).Logger(),
		call:  c,
		peer:  p,
		glare: glare,
		cmds:  make(chan command),
		ready: make(chan error, 1),
		done:  make(chan struct{}),
	}
	s.snap = s.build()
	return s
}

func (s *Session) ID() string { return s.id }

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Hangup ends the call: ringing becomes declined, connecting or connected
// becomes ended. Calling it on a finished session is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdHangup})
}

func (s *Session) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(ctx context.Context, start func(context.Context) error) {
	defer s.teardown()

	s.status = s.m.sub.Subscribe(proto.CallStatus(s.call.ID))
	s.ch = signaling.Open(ctx, s.m.store, s.m.sub, s.call.ID, s.m.self, signaling.Options{
		ReconcileInterval: s.m.cfg.ReconcileInterval,
	})

	err := start(ctx)
	s.ready <- err
	s.publish(true)
	if err != nil || s.over() {
		return
	}

	var tick <-chan time.Time
	if s.m.cfg.ReconcileInterval > 0 {
		t := time.NewTicker(s.m.cfg.ReconcileInterval)
		defer t.Stop()
		tick = t.C
	}
	msgs := s.ch.Messages()
	statusC := s.status.C()
	peerEvents := s.peer.Events()

	for !s.over() {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
			s.terminate(wctx, nil, false)
			cancel()
			return

		case c := <-s.cmds:
			switch c.kind {
			case cmdHangup:
				c.reply <- s.terminate(ctx, nil, false)
			case cmdGlareCancel:
				s.glare = true
				c.reply <- s.terminate(ctx, c.cause, false)
			}

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.onSignal(ctx, msg)

		case evt, ok := <-statusC:
			switch {
			case ok:
				if evt.Call != nil {
					s.onStatus(*evt.Call)
				}
			case errors.Is(s.status.Err(), model.ErrSignalDeliveryGap):
				s.log.Info().Msg("status subscription dropped, reconciling")
				s.status = s.m.sub.Subscribe(proto.CallStatus(s.call.ID))
				statusC = s.status.C()
				s.reconcile(ctx)
			default:
				// feed closed; the reconcile ticker keeps us current
				statusC = nil
			}

		case evt := <-peerEvents:
			s.onPeer(ctx, evt)

		case <-s.ring.C:
			s.ring.stop()
			if s.call.Status == model.StatusRinging {
				s.log.Info().Dur("after", s.m.cfg.RingTimeout).Msg("no answer")
				s.terminate(ctx, nil, true)
			}

		case <-s.connect.C:
			s.connect.stop()
			if s.call.Status != model.StatusConnected {
				s.terminate(ctx, fmt.Errorf("%w: not connected after %s", model.ErrNegotiationFailed, s.m.cfg.ConnectTimeout), false)
			}

		case <-s.grace.C:
			s.grace.stop()
			s.terminate(ctx, fmt.Errorf("%w: connection lost", model.ErrNegotiationFailed), false)

		case <-tick:
			s.reconcile(ctx)
		}
		s.sync()
	}
}

// over reports whether the loop should exit.
func (s *Session) over() bool {
	return s.finished || s.call.Status.Terminal()
}

// startCaller publishes the offer for a call whose record and media already
// exist, then waits for the callee with the ring timer armed.
func (s *Session) startCaller(ctx context.Context) error {
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.terminate(ctx, err, false)
		return err
	}
	if _, err := s.ch.Publish(ctx, offer); err != nil {
		err = fmt.Errorf("publish offer: %w", err)
		s.terminate(ctx, err, false)
		return err
	}
	s.ring.arm(s.m.cfg.RingTimeout)
	s.log.Info().Str("callee", s.call.CalleeID).Str("type", string(s.call.CallType)).Msg("ringing")
	return nil
}

// startCallee accepts a ringing call: the connecting write happens first, then
// media is opened. The offer is answered from the loop once the signal
// channel delivers it.
func (s *Session) startCallee(ctx context.Context) error {
	c, err := s.m.store.Transition(ctx, s.call.ID, model.StatusConnecting, time.Now())
	if err != nil {
		if cur, gerr := s.m.store.GetCall(ctx, s.call.ID); gerr == nil {
			s.call = cur
		}
		s.finished = true
		return err
	}
	s.call = c

	if err := s.peer.Open(ctx, s.call.CallType); err != nil {
		s.log.Warn().Err(err).Msg("media open failed")
		s.terminate(ctx, err, false)
		return err
	}
	s.connect.arm(s.m.cfg.ConnectTimeout)
	s.log.Info().Str("caller", s.call.CallerID).Msg("accepted")
	return nil
}

func (s *Session) onSignal(ctx context.Context, msg signaling.Message) {
	if msg.Signal.SenderID == s.m.self {
		return
	}
	switch p := msg.Payload.(type) {
	case *model.Offer:
		if s.role != RoleCallee {
			return
		}
		if s.answered {
			s.log.Debug().Int64("signal", msg.Signal.ID).Msg("duplicate offer ignored")
			return
		}
		answer, err := s.peer.CreateAnswer(ctx, p)
		if err != nil {
			s.terminate(ctx, err, false)
			return
		}
		if _, err := s.ch.Publish(ctx, answer); err != nil {
			s.terminate(ctx, fmt.Errorf("publish answer: %w", err), false)
			return
		}
		s.answered = true

	case *model.Answer:
		if s.role != RoleCaller {
			return
		}
		if s.remoteSet {
			s.log.Debug().Int64("signal", msg.Signal.ID).Msg("duplicate answer ignored")
			return
		}
		if err := s.peer.SetRemoteAnswer(p); err != nil {
			s.terminate(ctx, err, false)
			return
		}
		s.remoteSet = true

	case *model.ICECandidate:
		if err := s.peer.AddRemoteCandidate(p); err != nil {
			s.log.Warn().Err(err).Int64("signal", msg.Signal.ID).Msg("remote candidate rejected")
		}
	}
}

func statusRank(st model.Status) int {
	switch st {
	case model.StatusRinging:
		return 0
	case model.StatusConnecting:
		return 1
	case model.StatusConnected:
		return 2
	}
	return 3
}

// onStatus applies a call record observed from the feed or a reconciliation
// read. Older snapshots are ignored since delivery is at-least-once.
func (s *Session) onStatus(c model.Call) {
	if c.ID != s.call.ID || statusRank(c.Status) < statusRank(s.call.Status) {
		return
	}
	prev := s.call.Status
	s.call = c
	if prev == c.Status {
		return
	}
	s.log.Debug().Str("from", string(prev)).Str("to", string(c.Status)).Msg("call record changed")

	switch c.Status {
	case model.StatusConnecting:
		s.ring.stop()
		s.connect.arm(s.m.cfg.ConnectTimeout)
	case model.StatusConnected:
		s.ring.stop()
		s.connect.stop()
	case model.StatusDeclined, model.StatusEnded, model.StatusMissed:
		s.log.Info().Str("status", string(c.Status)).Msg("call ended remotely")
	}
}

func (s *Session) onPeer(ctx context.Context, evt peer.Event) {
	switch evt.Kind {
	case peer.EventCandidate:
		if _, err := s.ch.Publish(ctx, evt.Candidate); err != nil {
			s.log.Warn().Err(err).Msg("publish candidate")
		}

	case peer.EventTrack:
		s.tracks = append(s.tracks, *evt.Track)

	case peer.EventState:
		switch evt.State {
		case peer.StateConnected:
			s.grace.stop()
			if s.call.Status != model.StatusConnected {
				s.markConnected(ctx)
			}
		case peer.StateDisconnected:
			if s.grace.C == nil {
				s.log.Info().Dur("grace", s.m.cfg.DisconnectGrace).Msg("peer disconnected")
				s.grace.arm(s.m.cfg.DisconnectGrace)
			}
		case peer.StateFailed:
			s.terminate(ctx, fmt.Errorf("%w: ice failed", model.ErrNegotiationFailed), false)
		}
	}
}

// markConnected writes connected. Both sides race for it; the loser adopts
// the record as written by the winner.
func (s *Session) markConnected(ctx context.Context) {
	c, err := s.m.store.Transition(ctx, s.call.ID, model.StatusConnected, time.Now())
	if err == nil {
		s.onStatus(c)
		s.log.Info().Msg("connected")
		return
	}
	if !errors.Is(err, model.ErrStaleTransition) && !errors.Is(err, model.ErrInvalidTransition) {
		s.log.Warn().Err(err).Msg("connected write failed")
		return
	}
	if cur, gerr := s.m.store.GetCall(ctx, s.call.ID); gerr == nil {
		s.onStatus(cur)
	}
}

func (s *Session) reconcile(ctx context.Context) {
	c, err := s.m.store.GetCall(ctx, s.call.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile call record")
		return
	}
	s.onStatus(c)
	s.ch.Reconcile()
}

// terminate writes the terminal status that fits the current record: ringing
// becomes declined (or missed on ring timeout), anything live becomes ended.
// The record is re-read when the write loses a race, so a hangup never lands
// on a call the other side already ended.
func (s *Session) terminate(ctx context.Context, cause error, missed bool) error {
	defer func() { s.finished = true }()
	if cause != nil && s.err == nil {
		s.err = cause
	}

	for attempt := 0; attempt < 3; attempt++ {
		var to model.Status
		switch s.call.Status {
		case model.StatusRinging:
			to = lo.Ternary(missed, model.StatusMissed, model.StatusDeclined)
		case model.StatusConnecting, model.StatusConnected:
			to = model.StatusEnded
		default:
			return nil
		}

		c, err := s.m.store.Transition(ctx, s.call.ID, to, time.Now())
		if err == nil {
			s.call = c
			s.log.Info().Str("status", string(to)).AnErr("cause", cause).Msg("call terminated")
			return nil
		}
		if !errors.Is(err, model.ErrStaleTransition) && !errors.Is(err, model.ErrInvalidTransition) {
			s.log.Error().Err(err).Str("status", string(to)).Msg("terminal write failed")
			return err
		}
		cur, gerr := s.m.store.GetCall(ctx, s.call.ID)
		if gerr != nil {
			return gerr
		}
		s.call = cur
	}
	return nil
}

func (s *Session) teardown() {
	s.ring.stop()
	s.connect.stop()
	s.grace.stop()
	if s.ch != nil {
		s.ch.Close()
	}
	if s.status != nil {
		s.status.Close()
	}
	if err := s.peer.Close(); err != nil {
		s.log.Debug().Err(err).Msg("peer close")
	}
	s.m.remove(s)

	s.mu.Lock()
	s.snap = s.build()
	s.snap.Done = true
	snap := s.snap
	s.mu.Unlock()
	close(s.done)
	s.m.broadcast(snap)
	s.log.Debug().Str("status", string(snap.Status)).Msg("session closed")
}

func (s *Session) build() Snapshot {
	snap := Snapshot{
		CallID:    s.call.ID,
		Role:      s.role,
		Self:      s.m.self,
		Peer:      s.call.Peer(s.m.self),
		CallType:  s.call.CallType,
		Status:    s.call.Status,
		Glare:     s.glare,
		CreatedAt: s.call.CreatedAt,
		StartedAt: s.call.StartedAt,
		EndedAt:   s.call.EndedAt,
		Duration:  s.call.Duration,
		Tracks:    append([]peer.TrackInfo(nil), s.tracks...),
		Err:       s.err,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// sync publishes the snapshot when something visible changed.
func (s *Session) sync() { s.publish(false) }

func (s *Session) publish(force bool) {
	next := s.build()
	s.mu.Lock()
	prev := s.snap
	changed := prev.Status != next.Status || prev.Glare != next.Glare ||
		prev.Error != next.Error || len(prev.Tracks) != len(next.Tracks)
	s.snap = next
	s.mu.Unlock()
	if changed || force {
		s.m.broadcast(next)
	}
}

// timer is a stoppable one-shot whose channel is nil while disarmed.
type timer struct {
	t *time.Timer
	C <-chan time.Time
}

func (t *timer) arm(d time.Duration) {
	t.stop()
	if d <= 0 {
		return
	}
	t.t = time.NewTimer(d)
	t.C = t.t.C
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
	}
	t.t, t.C = nil, nil
}
