// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/config"
)

// NormalizeLocalAddr pins a wildcard or host-less listen address to loopback.
// The call API has no authentication and must not leave the machine.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

// WaitTCP polls addr until it accepts connections or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Info().Msg("────────────────────────────────────────")
	log.Info().Msgf(" User        : %s", cfg.Identity.UserID)
	log.Info().Msgf(" Peer folder : %s", peerDir)
	log.Info().Msgf(" Config file : %s", cfgPath)
	log.Info().Msgf(" Database    : %s", cfg.Store.DBPath)
	log.Info().Msgf(" Call API    : http://%s", NormalizeLocalAddr(cfg.Viewer.HTTPAddr))
	log.Info().Msg("")
	log.Info().Msg(" Processes sharing one database can call each other.")
	log.Info().Msg("────────────────────────────────────────")
}
