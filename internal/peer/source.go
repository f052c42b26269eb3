package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/peercall/internal/model"
)

// MediaSource acquires the local tracks for a call. release stops them.
type MediaSource interface {
	Acquire(ctx context.Context, callType model.CallType) (tracks []webrtc.TrackLocal, release func(), err error)
}

// codecPopulator is implemented by sources whose tracks need a specific codec
// set registered on the MediaEngine.
type codecPopulator interface {
	Populate(m *webrtc.MediaEngine)
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces tracks without any capture device: an Opus track
// that carries silence and, for video calls, an idle VP8 track. Used headless
// and in tests.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context, callType model.CallType) ([]webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "peercall")
	if err != nil {
		return nil, nil, fmt.Errorf("audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if callType == model.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "peercall")
		if err != nil {
			return nil, nil, fmt.Errorf("video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Errors only mean nobody is bound yet.
				_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return tracks, func() { once.Do(func() { close(stop) }) }, nil
}

// DeniedSource always refuses access, as when the user declines the
// permission prompt or no device exists.
type DeniedSource struct {
	Reason string
}

func (d DeniedSource) Acquire(context.Context, model.CallType) ([]webrtc.TrackLocal, func(), error) {
	reason := d.Reason
	if reason == "" {
		reason = "no capture device"
	}
	return nil, nil, fmt.Errorf("%w: %s", model.ErrMediaAccessDenied, reason)
}
