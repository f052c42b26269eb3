// Package peer wraps one pion PeerConnection per call attempt: local media,
// SDP offer/answer, trickle ICE with early-candidate buffering, and a typed
// event stream in place of pion's callbacks.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/petervdpas/peercall/internal/model"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("peer session closed")

// State is a connection state reported on the event stream.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

type EventKind int

const (
	EventCandidate EventKind = iota + 1
	EventState
	EventTrack
)

// Event is one item of the session's negotiation stream.
type Event struct {
	Kind      EventKind
	Candidate *model.ICECandidate
	State     State
	Track     *TrackInfo
}

type TrackInfo struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Codec string `json:"codec"`
}

// Config holds the ICE settings for new sessions.
type Config struct {
	ICEServers          []webrtc.ICEServer
	TransportPolicy     webrtc.ICETransportPolicy
	IncludeLoopback     bool
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultConfig uses Google's public STUN server and generous ICE timeouts so
// a brief NAT hiccup does not end the call.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		TransportPolicy:     webrtc.ICETransportPolicyAll,
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Session is the media and negotiation runtime of one call attempt.
type Session struct {
	callID string
	cfg    Config
	source MediaSource
	log    zerolog.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	release     func()
	remoteSet   bool
	localAnswer *model.Answer
	pending     []webrtc.ICECandidateInit
	lastState   State
	closed      bool
	stats       map[string]*trackStats

	events chan Event
	done   chan struct{}
}

// New returns an unopened session. Close is safe at any point.
func New(callID string, source MediaSource, cfg Config) *Session {
	return &Session{
		callID: callID,
		cfg:    cfg,
		source: source,
		log:    log.With().Str("cmp", "peer").Str("call", callID).Logger(),
		stats:  make(map[string]*trackStats),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Events is never closed; stop reading once the call is over.
func (s *Session) Events() <-chan Event { return s.events }

// Open acquires local tracks for callType and builds the PeerConnection.
// A refused or missing device yields model.ErrMediaAccessDenied.
func (s *Session) Open(ctx context.Context, callType model.CallType) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pc != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tracks, release, err := s.source.Acquire(ctx, callType)
	if err != nil {
		if errors.Is(err, model.ErrMediaAccessDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrMediaAccessDenied, err)
	}
	if len(tracks) == 0 {
		if release != nil {
			release()
		}
		return fmt.Errorf("%w: no local tracks for %s call", model.ErrMediaAccessDenied, callType)
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		if release != nil {
			release()
		}
		return fmt.Errorf("create peer connection: %w", err)
	}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			s.log.Warn().Err(err).Str("track", t.ID()).Msg("AddTrack")
		}
	}
	if callType == model.CallVoice {
		// Voice calls still accept a remote video m-line.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			s.log.Warn().Err(err).Msg("AddTransceiver(video)")
		}
	}
	s.wire(pc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		pc.Close()
		if release != nil {
			release()
		}
		return ErrClosed
	}
	s.pc = pc
	s.release = release
	s.log.Info().Str("type", string(callType)).Int("tracks", len(tracks)).Msg("media opened")
	return nil
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if p, ok := s.source.(codecPopulator); ok {
		p.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if s.cfg.DisconnectedTimeout > 0 {
		se.SetICETimeouts(s.cfg.DisconnectedTimeout, s.cfg.FailedTimeout, s.cfg.KeepAliveInterval)
	}
	se.SetIncludeLoopbackCandidate(s.cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         s.cfg.ICEServers,
		ICETransportPolicy: s.cfg.TransportPolicy,
	})
}

func (s *Session) wire(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		s.emit(Event{Kind: EventCandidate, Candidate: &model.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		var next State
		switch st {
		case webrtc.PeerConnectionStateConnecting:
			next = StateConnecting
		case webrtc.PeerConnectionStateConnected:
			next = StateConnected
		case webrtc.PeerConnectionStateDisconnected:
			next = StateDisconnected
		case webrtc.PeerConnectionStateFailed:
			next = StateFailed
		default:
			return
		}
		s.mu.Lock()
		if s.closed || s.lastState == next {
			s.mu.Unlock()
			return
		}
		s.lastState = next
		s.mu.Unlock()
		s.log.Info().Str("state", string(next)).Msg("connection state")
		s.emit(Event{Kind: EventState, State: next})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := &TrackInfo{
			ID:    track.ID(),
			Kind:  track.Kind().String(),
			Codec: track.Codec().MimeType,
		}
		s.log.Info().Str("kind", info.Kind).Str("codec", info.Codec).Msg("remote track")
		s.emit(Event{Kind: EventTrack, Track: info})
		go s.readRemote(pc, track)
	})
}

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) conn() (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.pc == nil {
		return nil, errors.New("peer session not open")
	}
	return s.pc, nil
}

// CreateOffer produces and applies the local offer.
func (s *Session) CreateOffer(ctx context.Context) (*model.Offer, error) {
	pc, err := s.conn()
	if err != nil {
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %v", model.ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set local offer: %v", model.ErrNegotiationFailed, err)
	}
	return &model.Offer{SDP: offer.SDP, Type: string(model.SignalOffer)}, nil
}

// CreateAnswer applies the remote offer, flushes buffered candidates and
// produces the local answer. A repeated offer returns the first answer.
func (s *Session) CreateAnswer(ctx context.Context, remote *model.Offer) (*model.Answer, error) {
	pc, err := s.conn()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.localAnswer != nil {
		a := *s.localAnswer
		s.mu.Unlock()
		return &a, nil
	}
	s.mu.Unlock()

	if err := s.applyRemote(pc, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remote.SDP}); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create answer: %v", model.ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("%w: set local answer: %v", model.ErrNegotiationFailed, err)
	}
	a := &model.Answer{SDP: answer.SDP, Type: string(model.SignalAnswer)}
	s.mu.Lock()
	s.localAnswer = a
	s.mu.Unlock()
	return a, nil
}

// SetRemoteAnswer applies the callee's answer. Repeats are ignored.
func (s *Session) SetRemoteAnswer(answer *model.Answer) error {
	pc, err := s.conn()
	if err != nil {
		return err
	}
	return s.applyRemote(pc, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (s *Session) applyRemote(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		s.log.Debug().Str("type", desc.Type.String()).Msg("remote description already set, ignoring")
		return nil
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", model.ErrNegotiationFailed, desc.Type, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	if len(pending) > 0 {
		s.log.Debug().Int("count", len(pending)).Msg("flushed buffered candidates")
	}
	return nil
}

// AddRemoteCandidate applies c, or buffers it until the remote description is
// set.
func (s *Session) AddRemoteCandidate(c *model.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Pending returns the number of candidates waiting for a remote description.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RemoteDescriptionSet reports whether an offer or answer has been applied.
func (s *Session) RemoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

// Stats returns receive counters per remote track id.
func (s *Session) Stats() map[string]TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.MapValues(s.stats, func(ts *trackStats, _ string) TrackStats {
		return ts.snapshot()
	})
}

// Close stops local tracks and the PeerConnection. Idempotent; safe before
// Open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc, release := s.pc, s.release
	s.pc, s.release, s.pending = nil, nil, nil
	close(s.done)
	s.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	if release != nil {
		release()
	}
	s.log.Debug().Msg("closed")
	return err
}
