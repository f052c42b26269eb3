package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/model"
)

// SweepStore is the part of the call store the sweep needs.
type SweepStore interface {
	StaleRinging(ctx context.Context, before time.Time) ([]model.Call, error)
	Transition(ctx context.Context, id string, to model.Status, at time.Time) (model.Call, error)
	PruneChanges(ctx context.Context, before time.Time) (int64, error)
}

// SweepResult reports what one sweep changed.
type SweepResult struct {
	Missed  []string `json:"missed"`
	Pruned  int64    `json:"pruned"`
	Skipped int      `json:"skipped"`
}

// Sweeper marks ringing calls whose caller never resolved them as missed, and
// trims the change log.
type Sweeper struct {
	store       SweepStore
	ringTimeout time.Duration
	retention   time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewSweeper builds a sweeper. A zero retention keeps the change log forever.
func NewSweeper(store SweepStore, ringTimeout, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:       store,
		ringTimeout: ringTimeout,
		retention:   retention,
		now:         time.Now,
		log:         log.With().Str("cmp", "sweep").Logger(),
	}
}

// Run performs one sweep. Calls that moved on between the query and the write
// are counted as skipped.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	stale, err := s.store.StaleRinging(ctx, now.Add(-s.ringTimeout))
	if err != nil {
		return res, err
	}
	for _, c := range stale {
		if _, err := s.store.Transition(ctx, c.ID, model.StatusMissed, now); err != nil {
			if errors.Is(err, model.ErrStaleTransition) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("sweep %s: %w", c.ID, err)
		}
		res.Missed = append(res.Missed, c.ID)
		s.log.Info().Str("call", c.ID).Str("caller", c.CallerID).Str("callee", c.CalleeID).
			Msg("orphaned ringing call marked missed")
	}

	if s.retention > 0 {
		if res.Pruned, err = s.store.PruneChanges(ctx, now.Add(-s.retention)); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Schedule runs the sweep on spec (standard cron syntax or @every) until the
// returned stop function is called.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (stop func(), err error) {
	quartz := cron.New(cron.WithLogger(cron.PrintfLogger(&s.log)))
	if _, err := quartz.AddFunc(spec, func() {
		res, err := s.Run(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("missed-call sweep failed")
			return
		}
		if len(res.Missed) > 0 || res.Pruned > 0 {
			s.log.Debug().Int("missed", len(res.Missed)).Int64("pruned", res.Pruned).Msg("sweep done")
		}
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	quartz.Start()
	return func() { <-quartz.Stop().Done() }, nil
}
