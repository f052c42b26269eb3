// Package signaling is the per-call signal channel: a validated, deduplicated
// stream of the other participant's offer/answer/ICE rows, plus publishing of
// our own.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/proto"
)

// Store is the signal half of the call store.
type Store interface {
	InsertSignal(ctx context.Context, callID, sender string, typ model.SignalType, data []byte) (model.Signal, error)
	SignalsSince(ctx context.Context, callID string, afterID int64) ([]model.Signal, error)
}

// Subscriber opens topic subscriptions on the change feed.
type Subscriber interface {
	Subscribe(topic string) *feed.Subscription
}

// Message is a remote signal that passed validation.
type Message struct {
	Signal  model.Signal
	Payload model.Payload
}

type Options struct {
	// ReconcileInterval adds a periodic reconciliation read on top of the one
	// run at open and after every dropped subscription. Zero disables it.
	ReconcileInterval time.Duration

	// ResubscribeDelay is the pause before resubscribing after a gap.
	ResubscribeDelay time.Duration
}

// Channel delivers every remote signal of one call exactly once.
type Channel struct {
	callID string
	self   string
	store  Store
	sub    Subscriber
	opts   Options
	log    zerolog.Logger

	out       chan Message
	reconcile chan struct{}

	// owned by run
	seen      map[int64]struct{}
	watermark int64

	mu     sync.Mutex
	gaps   int
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Open subscribes to call-signals-{callID}, then replays everything already
// stored so a late subscriber still sees the offer.
func Open(ctx context.Context, store Store, sub Subscriber, callID, self string, opts Options) *Channel {
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		callID:    callID,
		self:      self,
		store:     store,
		sub:       sub,
		opts:      opts,
		log:       log.With().Str("cmp", "signal").Str("call", callID).Logger(),
		out:       make(chan Message, 32),
		reconcile: make(chan struct{}, 1),
		seen:      make(map[int64]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s := sub.Subscribe(proto.CallSignals(callID))
	go c.run(ctx, s)
	return c
}

// Messages yields validated remote signals. Closed after Close.
func (c *Channel) Messages() <-chan Message { return c.out }

// Publish writes a signal from self.
func (c *Channel) Publish(ctx context.Context, p model.Payload) (model.Signal, error) {
	typ, data, err := model.EncodePayload(p)
	if err != nil {
		return model.Signal{}, err
	}
	sig, err := c.store.InsertSignal(ctx, c.callID, c.self, typ, data)
	if err != nil {
		return model.Signal{}, err
	}
	c.log.Debug().Str("type", string(typ)).Int64("id", sig.ID).Msg("published")
	return sig, nil
}

// Reconcile asks for a reconciliation read of every signal past the watermark.
func (c *Channel) Reconcile() {
	select {
	case c.reconcile <- struct{}{}:
	default:
	}
}

// Gaps reports how many times the subscription was dropped and recovered.
func (c *Channel) Gaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps
}

// Close ends the subscription and closes Messages. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context, s *feed.Subscription) {
	defer close(c.done)
	defer close(c.out)
	defer func() { s.Close() }()

	if !c.readBack(ctx) {
		return
	}

	var tick <-chan time.Time
	if c.opts.ReconcileInterval > 0 {
		t := time.NewTicker(c.opts.ReconcileInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-s.C():
			if ok {
				if evt.Signal != nil && !c.deliver(ctx, *evt.Signal) {
					return
				}
				continue
			}
			if !errors.Is(s.Err(), model.ErrSignalDeliveryGap) {
				// feed shut down
				return
			}
			c.mu.Lock()
			c.gaps++
			c.mu.Unlock()
			c.log.Info().Int64("watermark", c.watermark).Msg("subscription dropped, resubscribing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.ResubscribeDelay):
			}
			s = c.sub.Subscribe(proto.CallSignals(c.callID))
			if !c.readBack(ctx) {
				return
			}

		case <-c.reconcile:
			if !c.readBack(ctx) {
				return
			}

		case <-tick:
			if !c.readBack(ctx) {
				return
			}
		}
	}
}

// readBack is the reconciliation read. A failed read is logged and retried on
// the next trigger; it only returns false when ctx is done.
func (c *Channel) readBack(ctx context.Context) bool {
	sigs, err := c.store.SignalsSince(ctx, c.callID, c.watermark)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn().Err(err).Msg("reconciliation read failed")
		return true
	}
	for _, sig := range sigs {
		if !c.deliver(ctx, sig) {
			return false
		}
	}
	return true
}

func (c *Channel) deliver(ctx context.Context, sig model.Signal) bool {
	if sig.CallID != c.callID {
		return true
	}
	if _, dup := c.seen[sig.ID]; dup {
		return true
	}
	c.seen[sig.ID] = struct{}{}
	if sig.ID > c.watermark {
		c.watermark = sig.ID
	}

	if sig.SenderID == c.self {
		return true
	}
	p, err := sig.Decode()
	if err != nil {
		c.log.Warn().Err(err).Int64("id", sig.ID).Msg("dropping invalid signal")
		return true
	}

	select {
	case c.out <- Message{Signal: sig, Payload: p}:
		return true
	case <-ctx.Done():
		return false
	}
}
