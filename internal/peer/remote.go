package peer

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackStats counts what arrived on one remote track.
type TrackStats struct {
	Kind     string    `json:"kind"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	Lost     uint64    `json:"lost"`
	LastSeen time.Time `json:"last_seen"`
}

type trackStats struct {
	mu      sync.Mutex
	s       TrackStats
	lastSeq uint16
	started bool
}

func (t *trackStats) observe(pkt *rtp.Packet, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		if gap := pkt.SequenceNumber - t.lastSeq; gap > 1 && gap < 0x8000 {
			t.s.Lost += uint64(gap - 1)
		}
	}
	t.started = true
	t.lastSeq = pkt.SequenceNumber
	t.s.Packets++
	t.s.Bytes += uint64(size)
	t.s.LastSeen = time.Now()
}

func (t *trackStats) snapshot() TrackStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

const pliInterval = 3 * time.Second

// readRemote drains a remote track until the connection closes. Decoding is
// out of scope; packets are parsed only for counters. Remote video gets a
// periodic PLI so the sender emits keyframes.
func (s *Session) readRemote(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ts := &trackStats{s: TrackStats{Kind: track.Kind().String()}}
	s.mu.Lock()
	s.stats[track.ID()] = ts
	s.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.done:
					return
				case <-ticker.C:
					if err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					}); err != nil {
						return
					}
				}
			}
		}()
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		ts.observe(pkt, n)
	}
}
