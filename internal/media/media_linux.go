//go:build linux

// Package media captures local camera and microphone tracks with
// pion/mediadevices (V4L2 + malgo on Linux).
package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/model"
)

// DeviceSource captures from the host's devices.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource prepares VP8 and Opus encoders for captured tracks.
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// Populate registers the encoders' codecs on the PeerConnection's engine.
func (d *DeviceSource) Populate(m *webrtc.MediaEngine) {
	d.selector.Populate(m)
}

// Acquire opens the microphone, plus the camera for video calls. A video call
// whose camera cannot be opened falls back to audio only; no microphone at all
// is a denial.
func (d *DeviceSource) Acquire(ctx context.Context, callType model.CallType) ([]webrtc.TrackLocal, func(), error) {
	lg := log.With().Str("cmp", "media").Logger()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, nil, fmt.Errorf("%w: no media devices found", model.ErrMediaAccessDenied)
	}
	for _, dev := range devices {
		lg.Debug().Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("media device")
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if callType == model.CallVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras emit frames
				// that break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lg.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		out := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					lg.Warn().Err(err).Msg("local track ended")
				}
			})
			out = append(out, t)
		}
		lg.Info().Str("attempt", a.label).Int("tracks", len(out)).Msg("local media captured")
		return out, func() {
			for _, t := range tracks {
				t.Close()
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %v", model.ErrMediaAccessDenied, lastErr)
}
