// Package incoming detects calls addressed to the local user: it surfaces
// the most recent ringing call (including ones created before it attached),
// drives the ring surface, and hands accepted calls to the call manager.
package incoming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/proto"
)

// Store is the read side of the call store the listener needs.
type Store interface {
	LatestRinging(ctx context.Context, callee string) (model.Call, bool, error)
	GetCall(ctx context.Context, id string) (model.Call, error)
}

type Subscriber interface {
	Subscribe(topic string) *feed.Subscription
}

// Calls is the part of *call.Manager the listener drives.
type Calls interface {
	Self() string
	AcceptIncoming(ctx context.Context, callID string) (*call.Session, error)
	Decline(ctx context.Context, callID string) error
	ResolveGlare(ctx context.Context, inbound model.Call) (glare, surface bool, err error)
	Session(callID string) (*call.Session, bool)
	BusyExcept(callID string) bool
	DeclineRinging(ctx context.Context, callID string) error
}

// Surface is the ring indicator. *ring.Ringer satisfies it.
type Surface interface {
	Start(c model.Call)
	Stop()
	Notify(caller string, callType model.CallType)
}

type Options struct {
	// ReconcileInterval re-runs the ringing-call query periodically.
	// Zero disables it; the query still runs on every (re)attach.
	ReconcileInterval time.Duration
	// RetryMin and RetryMax bound the backoff between reattachments.
	RetryMin time.Duration
	RetryMax time.Duration
	// Foreground reports whether a UI is attached. Notifications are only
	// requested when it returns false. Nil means always background.
	Foreground func() bool
}

// Incoming is the currently surfaced call.
type Incoming struct {
	Call  model.Call `json:"call"`
	Glare bool       `json:"glare,omitempty"`
	Since time.Time  `json:"since"`
}

type UpdateKind string

const (
	UpdateRinging  UpdateKind = "ringing"
	UpdateCleared  UpdateKind = "cleared"
	UpdateAccepted UpdateKind = "accepted"
	UpdateDeclined UpdateKind = "declined"
)

// Update reports a change of the surfaced call.
type Update struct {
	Kind  UpdateKind `json:"kind"`
	Call  model.Call `json:"call"`
	Glare bool       `json:"glare,omitempty"`
}

// handledCap bounds the set of call ids resolved locally.
const handledCap = 256

type Listener struct {
	self   string
	store  Store
	sub    Subscriber
	calls  Calls
	ringer Surface
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	current *Incoming
	// calls accepted, declined or glare-resolved here; late ringing events
	// for them must not resurface the call
	handled map[string]time.Time

	listenerMu sync.RWMutex
	listeners  map[chan Update]struct{}

	reconcileNow chan struct{}
	attached     chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
}

func New(store Store, sub Subscriber, calls Calls, ringer Surface, opts Options) *Listener {
	if opts.RetryMin <= 0 {
		opts.RetryMin = 100 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = 5 * time.Second
	}
	self := calls.Self()
	return &Listener{
		self:         self,
		store:        store,
		sub:          sub,
		calls:        calls,
		ringer:       ringer,
		opts:         opts,
		log:          log.With().Str("cmp", "incoming").Str("self", self).Logger(),
		handled:      make(map[string]time.Time),
		listeners:    make(map[chan Update]struct{}),
		reconcileNow: make(chan struct{}, 1),
		attached:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Attach subscribes to incoming-calls-{self}, runs the reconciliation query
// and keeps both going until ctx is cancelled or Close is called. It returns
// once the first attachment is in place.
func (l *Listener) Attach(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
	select {
	case <-l.attached:
	case <-ctx.Done():
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	var tick <-chan time.Time
	if l.opts.ReconcileInterval > 0 {
		t := time.NewTicker(l.opts.ReconcileInterval)
		defer t.Stop()
		tick = t.C
	}

	first := true
	delay := l.opts.RetryMin
	for {
		sub := l.sub.Subscribe(proto.IncomingCalls(l.self))
		l.reconcile(ctx)
		if first {
			close(l.attached)
			first = false
		}

		err := l.consume(ctx, sub, tick, &delay)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// feed closed; keep reconciling on the ticker
			l.log.Warn().Msg("change feed closed, falling back to periodic reconcile")
			l.idle(ctx, tick)
			return
		}

		l.log.Info().Err(err).Dur("retry", delay).Msg("incoming-call subscription lost, reattaching")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, l.opts.RetryMax)
	}
}

// consume handles events until the subscription ends. It returns the
// subscription error, or nil when the feed closed it.
func (l *Listener) consume(ctx context.Context, sub *feed.Subscription, tick <-chan time.Time, delay *time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			*delay = l.opts.RetryMin
			if evt.Call != nil {
				l.consider(ctx, *evt.Call)
			}
		case <-tick:
			l.reconcile(ctx)
		case <-l.reconcileNow:
			l.reconcile(ctx)
		}
	}
}

func (l *Listener) idle(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			l.reconcile(ctx)
		case <-l.reconcileNow:
			l.reconcile(ctx)
		}
	}
}

// Reconcile schedules an immediate reconciliation read.
func (l *Listener) Reconcile() {
	select {
	case l.reconcileNow <- struct{}{}:
	default:
	}
}

// reconcile re-reads the surfaced call (it may have ended while we were not
// listening) and the newest ringing call addressed to us.
func (l *Listener) reconcile(ctx context.Context) {
	if cur, ok := l.Current(); ok {
		c, err := l.store.GetCall(ctx, cur.Call.ID)
		switch {
		case err == nil:
			l.consider(ctx, c)
		case errors.Is(err, model.ErrCallNotFound):
			l.clear(cur.Call, UpdateCleared)
		default:
			l.log.Warn().Err(err).Msg("reconcile surfaced call")
		}
	}

	c, ok, err := l.store.LatestRinging(ctx, l.self)
	if err != nil {
		l.log.Warn().Err(err).Msg("reconcile ringing calls")
		return
	}
	if ok {
		l.consider(ctx, c)
	}
}

// consider applies one observed call row.
func (l *Listener) consider(ctx context.Context, c model.Call) {
	if c.CalleeID != l.self {
		return
	}
	if c.Status != model.StatusRinging {
		if cur, ok := l.Current(); ok && cur.Call.ID == c.ID {
			l.log.Info().Str("call", c.ID).Str("status", string(c.Status)).Msg("incoming call no longer ringing")
			l.clear(c, UpdateCleared)
		}
		if c.Status.Terminal() {
			l.forget(c.ID)
		}
		return
	}

	if l.wasHandled(c.ID) {
		return
	}
	if _, live := l.calls.Session(c.ID); live {
		return
	}
	if cur, ok := l.Current(); ok && (cur.Call.ID == c.ID || c.Before(cur.Call)) {
		return
	}

	glare, surface, err := l.calls.ResolveGlare(ctx, c)
	if err != nil {
		l.log.Warn().Err(err).Str("call", c.ID).Msg("glare resolution failed")
		return
	}
	if !surface {
		l.markHandled(c.ID)
		return
	}
	// An accept may have landed while glare was being resolved; from here on
	// every decision re-checks under l.mu.
	if l.calls.BusyExcept(c.ID) {
		if !l.claim(c.ID) {
			return
		}
		l.log.Info().Str("call", c.ID).Str("from", c.CallerID).Msg("busy, declining incoming call")
		if err := l.calls.DeclineRinging(ctx, c.ID); err != nil {
			l.log.Warn().Err(err).Str("call", c.ID).Msg("busy decline")
		}
		return
	}
	if !l.surface(c, glare) {
		return
	}

	l.ringer.Start(c)
	if l.opts.Foreground == nil || !l.opts.Foreground() {
		l.ringer.Notify(c.CallerID, c.CallType)
	}
	l.log.Info().Str("call", c.ID).Str("from", c.CallerID).Bool("glare", glare).Msg("incoming call")
	l.broadcast(Update{Kind: UpdateRinging, Call: c, Glare: glare})
}

// Current returns the surfaced incoming call, if any.
func (l *Listener) Current() (Incoming, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Incoming{}, false
	}
	return *l.current, true
}

// Accept stops ringing and hands the call to the call manager.
func (l *Listener) Accept(ctx context.Context, callID string) (*call.Session, error) {
	c, glare := l.take(callID)
	l.markHandled(callID)
	s, err := l.calls.AcceptIncoming(ctx, callID)
	switch {
	case err == nil:
		l.broadcast(Update{Kind: UpdateAccepted, Call: c, Glare: glare})
	case s != nil:
		// the session started but gave up (media denied, lost race); it
		// ends the record itself
		l.broadcast(Update{Kind: UpdateCleared, Call: c, Glare: glare})
	}
	if err != nil && s == nil {
		// still ringing, e.g. busy: let reconciliation decide whether to
		// surface it again
		l.forget(callID)
		l.Reconcile()
	}
	return s, err
}

// Decline stops ringing and declines the call. No media is opened.
func (l *Listener) Decline(ctx context.Context, callID string) error {
	c, glare := l.take(callID)
	l.markHandled(callID)
	if err := l.calls.Decline(ctx, callID); err != nil {
		return err
	}
	l.broadcast(Update{Kind: UpdateDeclined, Call: c, Glare: glare})
	return nil
}

// take removes callID from the surface and stops the ringer if it was the
// surfaced call.
func (l *Listener) take(callID string) (model.Call, bool) {
	l.mu.Lock()
	cur := l.current
	if cur == nil || cur.Call.ID != callID {
		l.mu.Unlock()
		return model.Call{ID: callID}, false
	}
	l.current = nil
	l.mu.Unlock()
	l.ringer.Stop()
	return cur.Call, cur.Glare
}

func (l *Listener) clear(c model.Call, kind UpdateKind) {
	l.mu.Lock()
	if l.current == nil || l.current.Call.ID != c.ID {
		l.mu.Unlock()
		return
	}
	glare := l.current.Glare
	l.current = nil
	l.mu.Unlock()
	l.ringer.Stop()
	l.broadcast(Update{Kind: kind, Call: c, Glare: glare})
}

func (l *Listener) markHandled(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markHandledLocked(id)
}

func (l *Listener) markHandledLocked(id string) {
	if len(l.handled) >= handledCap {
		var oldest string
		var at time.Time
		for k, v := range l.handled {
			if oldest == "" || v.Before(at) {
				oldest, at = k, v
			}
		}
		delete(l.handled, oldest)
	}
	l.handled[id] = time.Now()
}

// claim marks id handled unless it already was or a local session owns it.
func (l *Listener) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.unownedLocked(id) {
		return false
	}
	l.markHandledLocked(id)
	return true
}

// surface makes c the current incoming call unless it was handled meanwhile,
// has a local session, or a newer call is already surfaced.
func (l *Listener) surface(c model.Call, glare bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.unownedLocked(c.ID) {
		return false
	}
	if cur := l.current; cur != nil && (cur.Call.ID == c.ID || c.Before(cur.Call)) {
		return false
	}
	l.current = &Incoming{Call: c, Glare: glare, Since: time.Now()}
	return true
}

func (l *Listener) unownedLocked(id string) bool {
	if _, ok := l.handled[id]; ok {
		return false
	}
	_, live := l.calls.Session(id)
	return !live
}

func (l *Listener) wasHandled(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handled[id]
	return ok
}

func (l *Listener) forget(id string) {
	l.mu.Lock()
	delete(l.handled, id)
	l.mu.Unlock()
}

// Subscribe returns a channel of surface updates and a cancel function.
func (l *Listener) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	l.listenerMu.Lock()
	l.listeners[ch] = struct{}{}
	l.listenerMu.Unlock()

	cancel := func() {
		l.listenerMu.Lock()
		if _, ok := l.listeners[ch]; ok {
			delete(l.listeners, ch)
			close(ch)
		}
		l.listenerMu.Unlock()
	}
	return ch, cancel
}

func (l *Listener) broadcast(u Update) {
	l.listenerMu.RLock()
	defer l.listenerMu.RUnlock()
	for ch := range l.listeners {
		select {
		case ch <- u:
		default:
			l.log.Warn().Str("call", u.Call.ID).Msg("incoming listener full, dropping update")
		}
	}
}

// Close detaches and silences the ringer.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		l.ringer.Stop()
	})
}
