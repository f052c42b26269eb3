package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/viewer/routes"
)

type Viewer struct {
	Calls    routes.Calls
	Incoming routes.Incoming
	History  routes.History
	Feed     routes.FeedStats
	Logs     *LogBuffer
	Presence *routes.Presence
}

// Handler builds the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:    v.Calls,
		Incoming: v.Incoming,
		History:  v.History,
		Feed:     v.Feed,
		Presence: v.Presence,
	}
	// A nil *LogBuffer must stay a nil interface.
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return accessLog(log.With().Str("cmp", "viewer").Logger(), noCache(mux))
}

// Start serves the API on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info().Str("cmp", "viewer").Str("addr", ln.Addr().String()).Msg("call API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
