// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/peercall/internal/config"
)

// PromptInteractive walks through the settings a new user usually changes.
// Empty answers keep the value shown in brackets. An invalid result falls back
// to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) (config.Config, error) {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "peercall setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	cfg.Store.DBPath = askString(in, w, "Shared call database", cfg.Store.DBPath)
	cfg.Viewer.HTTPAddr = askString(in, w, "Call API addr", cfg.Viewer.HTTPAddr)
	cfg.Media.Source = askString(in, w, "Media source (devices/synthetic)", cfg.Media.Source)
	cfg.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Call.RingTimeoutSec)
	cfg.Notify.RingtoneBell = askBool(in, w, "Ring the terminal bell", cfg.Notify.RingtoneBell)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig, err
	}
	return cfg, nil
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
