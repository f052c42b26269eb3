// Package feed turns the store's _changes log into topic-scoped pub/sub.
//
// Every committed insert or update is appended to _changes in the same
// transaction as the row itself. The feed tails that log past a watermark and
// publishes the affected rows to the topics named in package proto. Polls run
// after local commits, on filesystem events for the database files (writes by
// another process on the same host) and on a fallback interval.
//
// Delivery is at-least-once. A subscriber that cannot keep up is dropped with
// model.ErrSignalDeliveryGap and is expected to reconcile and resubscribe.
package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBufferSize   = 64
	batchSize           = 256
	recentCap           = 200
)

// Store is the slice of the call store the feed reads from.
type Store interface {
	ChangesSince(ctx context.Context, after int64, limit int) ([]storage.Change, error)
	LatestChangeSeq(ctx context.Context) (int64, error)
	GetCall(ctx context.Context, id string) (model.Call, error)
	GetSignal(ctx context.Context, id int64) (model.Signal, error)
	Path() string
}

// Event is one row change delivered on a topic.
type Event struct {
	Seq    int64         `json:"seq"`
	Topic  string        `json:"topic"`
	Table  string        `json:"table"`
	Op     string        `json:"op"`
	Call   *model.Call   `json:"call,omitempty"`
	Signal *model.Signal `json:"signal,omitempty"`
	At     time.Time     `json:"at"`
}

type Options struct {
	PollInterval time.Duration
	BufferSize   int
	WatchFiles   bool
}

// Feed publishes store changes to subscribers.
type Feed struct {
	store Store
	opts  Options
	log   zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[string]*Subscription // topic → id → sub

	pollMu    sync.Mutex
	watermark int64

	recent *util.RingBuffer[Event]

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	watcher   *fileWatcher
}

// New creates a feed over store. Call Start to begin tailing.
func New(store Store, opts Options) *Feed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	f := &Feed{
		store:  store,
		opts:   opts,
		log:    log.With().Str("cmp", "feed").Logger(),
		subs:   make(map[string]map[string]*Subscription),
		recent: util.NewRingBuffer[Event](recentCap),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if h, ok := store.(interface{ OnCommit(func()) }); ok {
		h.OnCommit(f.Kick)
	}
	return f
}

// Start positions the watermark at the current end of the log and starts the
// poll loop. Events committed before Start are not replayed; consumers cover
// them with reconciliation reads.
func (f *Feed) Start(ctx context.Context) error {
	seq, err := f.store.LatestChangeSeq(ctx)
	if err != nil {
		return err
	}
	f.pollMu.Lock()
	f.watermark = seq
	f.pollMu.Unlock()

	if f.opts.WatchFiles {
		w, err := watchDatabase(f.store.Path(), f.Kick, f.log)
		if err != nil {
			f.log.Warn().Err(err).Msg("file watch unavailable, relying on polling")
		} else {
			f.watcher = w
		}
	}

	f.wg.Add(1)
	go f.loop(ctx)
	f.log.Debug().Int64("watermark", seq).Dur("interval", f.opts.PollInterval).Msg("started")
	return nil
}

// Kick requests an immediate poll. Never blocks.
func (f *Feed) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Close stops the poll loop and drops every subscription.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			f.watcher.Close()
		}
		f.wg.Wait()

		f.mu.Lock()
		for _, byID := range f.subs {
			for _, s := range byID {
				s.finish(nil)
			}
		}
		f.subs = make(map[string]map[string]*Subscription)
		f.mu.Unlock()
	})
	return nil
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
		case <-f.kick:
		}
		if _, err := f.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn().Err(err).Msg("poll failed")
		}
	}
}

// Poll drains every change past the watermark and publishes it. Returns the
// number of changes processed.
func (f *Feed) Poll(ctx context.Context) (int, error) {
	f.pollMu.Lock()
	defer f.pollMu.Unlock()

	total := 0
	for {
		changes, err := f.store.ChangesSince(ctx, f.watermark, batchSize)
		if err != nil {
			return total, err
		}
		for _, ch := range changes {
			f.dispatch(ctx, ch)
			f.watermark = ch.Seq
		}
		total += len(changes)
		if len(changes) < batchSize {
			return total, nil
		}
	}
}

// Watermark returns the seq of the last change published.
func (f *Feed) Watermark() int64 {
	f.pollMu.Lock()
	defer f.pollMu.Unlock()
	return f.watermark
}

func (f *Feed) dispatch(ctx context.Context, ch storage.Change) {
	base := Event{Seq: ch.Seq, Table: ch.Table, Op: ch.Op, At: ch.At}

	switch ch.Table {
	case storage.TableSignals:
		id, err := strconv.ParseInt(ch.RowID, 10, 64)
		if err != nil {
			f.log.Warn().Str("row", ch.RowID).Msg("bad signal row id in change log")
			return
		}
		sig, err := f.store.GetSignal(ctx, id)
		if err != nil {
			f.log.Warn().Err(err).Int64("seq", ch.Seq).Msg("load signal")
			return
		}
		base.Signal = &sig
		f.publish(proto.CallSignals(sig.CallID), base)

	case storage.TableCalls:
		c, err := f.store.GetCall(ctx, ch.RowID)
		if err != nil {
			f.log.Warn().Err(err).Int64("seq", ch.Seq).Msg("load call")
			return
		}
		base.Call = &c
		f.publish(proto.CallStatus(c.ID), base)
		f.publish(proto.IncomingCalls(c.CalleeID), base)
		f.publish(proto.IncomingCalls(c.CallerID), base)

	default:
		f.log.Debug().Str("table", ch.Table).Msg("ignoring change")
	}
}

func (f *Feed) publish(topic string, evt Event) {
	evt.Topic = topic
	f.recent.Push(evt)

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs[topic] {
		select {
		case s.ch <- evt:
		default:
			f.log.Warn().Str("topic", topic).Str("sub", id[:8]).Msg("subscriber full, dropping")
			delete(f.subs[topic], id)
			s.finish(model.ErrSignalDeliveryGap)
		}
	}
	if len(f.subs[topic]) == 0 {
		delete(f.subs, topic)
	}
}

// Recent returns up to n of the most recently published events, oldest
// first. n <= 0 returns everything retained.
func (f *Feed) Recent(n int) []Event {
	return f.recent.Last(n)
}

// Subscribe opens a subscription on topic. Subscribe before running a
// reconciliation read so nothing committed in between is missed.
func (f *Feed) Subscribe(topic string) *Subscription {
	s := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Event, f.opts.BufferSize),
		done:  make(chan struct{}),
		feed:  f,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		s.finish(nil)
		return s
	default:
	}
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[string]*Subscription)
	}
	f.subs[topic][s.id] = s
	return s
}

func (f *Feed) unsubscribe(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byID, ok := f.subs[s.topic]; ok {
		if _, ok := byID[s.id]; ok {
			delete(byID, s.id)
			s.finish(nil)
		}
		if len(byID) == 0 {
			delete(f.subs, s.topic)
		}
	}
}

// Subscribers returns the number of live subscriptions per topic.
func (f *Feed) Subscribers() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.subs))
	for topic, byID := range f.subs {
		out[topic] = len(byID)
	}
	return out
}

// Subscription is one topic listener. C is closed when the subscription ends;
// Err then reports why.
type Subscription struct {
	id    string
	topic string
	ch    chan Event
	feed  *Feed

	once sync.Once
	done chan struct{}
	err  error
}

func (s *Subscription) Topic() string { return s.topic }

// C delivers events until the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil while live or after Close, and model.ErrSignalDeliveryGap when
// the feed dropped the subscriber.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.feed.unsubscribe(s)
}

// finish must be called with feed.mu held.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		close(s.ch)
	})
}
