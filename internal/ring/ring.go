// Package ring is the local ring surface: a ringtone indicator while an
// incoming call is surfaced, and a desktop notification when nobody is
// looking.
package ring

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/util"
)

const defaultInterval = 2 * time.Second

// CommandOff disables desktop notifications.
const CommandOff = "off"

type Options struct {
	// Bell receives a BEL byte every Interval while ringing. Nil is silent.
	Bell     io.Writer
	Interval time.Duration
	// Command is the notification program; see util.Notify.
	Command string
}

// Ringer rings for at most one call at a time.
type Ringer struct {
	opts   Options
	log    zerolog.Logger
	notify func(command, title, body string) error

	mu     sync.Mutex
	callID string
	stop   chan struct{}
	rings  int
}

func New(opts Options) *Ringer {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Ringer{
		opts:   opts,
		log:    log.With().Str("cmp", "ring").Logger(),
		notify: util.Notify,
	}
}

// Start rings for c, replacing any call already ringing.
func (r *Ringer) Start(c model.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callID == c.ID {
		return
	}
	r.stopLocked()

	r.callID = c.ID
	r.rings++
	r.log.Info().Str("call", c.ID).Str("from", c.CallerID).Str("type", string(c.CallType)).Msg("incoming call ringing")
	if r.opts.Bell == nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	go r.bell(stop)
}

func (r *Ringer) bell(stop <-chan struct{}) {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		if _, err := r.opts.Bell.Write([]byte{'\a'}); err != nil {
			r.log.Debug().Err(err).Msg("bell write")
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// Stop silences the ringer. No-op when not ringing.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callID == "" {
		return
	}
	r.log.Debug().Str("call", r.callID).Msg("ringer stopped")
	r.stopLocked()
}

func (r *Ringer) stopLocked() {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.callID = ""
}

// Ringing returns the call currently ringing.
func (r *Ringer) Ringing() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID, r.callID != ""
}

// Notify shows a best-effort desktop notification. Failures are logged only.
func (r *Ringer) Notify(caller string, callType model.CallType) {
	if r.opts.Command == CommandOff {
		return
	}
	title := "Incoming " + string(callType) + " call"
	if err := r.notify(r.opts.Command, title, caller+" is calling"); err != nil {
		r.log.Warn().Err(err).Str("from", caller).Msg("desktop notification failed")
	}
}
