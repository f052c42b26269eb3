package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/incoming"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/ring"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/petervdpas/peercall/internal/viewer"
	"github.com/petervdpas/peercall/internal/viewer/routes"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Logs    *viewer.LogBuffer
}

// Run serves one user's calls until ctx is cancelled: the change feed, the
// call manager, the incoming-call listener, the sweep and the local API.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	self := cfg.Identity.UserID
	lg := log.With().Str("cmp", "app").Str("self", self).Logger()

	logBanner(opt.PeerDir, opt.CfgPath, cfg)

	// ── Store and change feed
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Store.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	f := feed.New(db, feed.Options{
		PollInterval: cfg.Store.PollInterval(),
		WatchFiles:   cfg.Store.WatchFiles,
	})
	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}
	defer f.Close()

	// ── Sweep orphans left by a previous run before anything surfaces them
	sweeper := NewSweeper(db, cfg.Call.RingTimeout(), cfg.Call.ChangeRetention())
	if res, err := sweeper.Run(ctx); err != nil {
		lg.Warn().Err(err).Msg("startup sweep failed")
	} else if len(res.Missed) > 0 {
		lg.Info().Strs("calls", res.Missed).Msg("marked orphaned calls missed")
	}
	stopSweep, err := sweeper.Schedule(ctx, cfg.Call.SweepSchedule)
	if err != nil {
		return err
	}
	defer stopSweep()

	// ── Calls
	src, err := mediaSource(cfg.Media.Source)
	if err != nil {
		return err
	}
	pcfg := peerConfig(cfg.ICE)
	calls := call.New(self, db, f, func(callID string) call.Peer {
		return peer.New(callID, src, pcfg)
	}, callConfig(cfg.Call))
	defer calls.Close()

	var bell io.Writer
	if cfg.Notify.RingtoneBell {
		bell = os.Stdout
	}
	ringer := ring.New(ring.Options{Bell: bell, Command: cfg.Notify.Command})
	defer ringer.Stop()

	presence := &routes.Presence{}
	listener := incoming.New(db, f, calls, ringer, incoming.Options{
		ReconcileInterval: cfg.Call.ReconcileInterval(),
		Foreground:        presence.Attached,
	})
	listener.Attach(ctx)
	defer listener.Close()

	// ── Local API (blocks)
	lg.Info().Str("media", cfg.Media.Source).Msg("ready for calls")
	return viewer.Start(ctx, NormalizeLocalAddr(cfg.Viewer.HTTPAddr), viewer.Viewer{
		Calls:    calls,
		Incoming: listener,
		History:  db,
		Feed:     f,
		Logs:     opt.Logs,
		Presence: presence,
	})
}

// SweepOnce runs a single sweep against the configured store and returns.
func SweepOnce(ctx context.Context, opt Options) (SweepResult, error) {
	cfg := opt.Cfg
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Store.DBPath))
	if err != nil {
		return SweepResult{}, err
	}
	defer db.Close()
	return NewSweeper(db, cfg.Call.RingTimeout(), cfg.Call.ChangeRetention()).Run(ctx)
}

func callConfig(c config.Call) call.Config {
	return call.Config{
		RingTimeout:       c.RingTimeout(),
		ConnectTimeout:    c.ConnectTimeout(),
		DisconnectGrace:   c.DisconnectGrace(),
		ReconcileInterval: c.ReconcileInterval(),
	}
}

func peerConfig(ice config.ICE) peer.Config {
	pc := peer.DefaultConfig()
	pc.ICEServers = lo.Map(ice.Servers, func(s config.ICEServer, _ int) webrtc.ICEServer {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		return srv
	})
	if ice.TransportPolicy == "relay" {
		pc.TransportPolicy = webrtc.ICETransportPolicyRelay
	}
	pc.IncludeLoopback = ice.IncludeLoopback
	return pc
}

func mediaSource(name string) (peer.MediaSource, error) {
	if name == "synthetic" {
		return peer.SyntheticSource{}, nil
	}
	src, err := media.NewDeviceSource()
	if err != nil {
		return nil, fmt.Errorf("prepare capture devices: %w", err)
	}
	return src, nil
}
