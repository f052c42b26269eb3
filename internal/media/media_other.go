//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/model"
)

// DeviceSource has no capture drivers on this platform.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) { return &DeviceSource{}, nil }

func (*DeviceSource) Acquire(context.Context, model.CallType) ([]webrtc.TrackLocal, func(), error) {
	return nil, nil, fmt.Errorf("%w: device capture unsupported on %s", model.ErrMediaAccessDenied, runtime.GOOS)
}
