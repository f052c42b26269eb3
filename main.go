// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/viewer"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "peercall.json"

// logBuf keeps recent log lines for GET /api/logs.
var logBuf = viewer.NewLogBuffer(800)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		logBuf,
	))
}

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: peercall %s <peer-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "run":
		runPeer(args[1])
	case "sweep":
		runSweep(args[1])
	case "init":
		runInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadPeer resolves the peer directory and loads its config, creating a default
// one named after the directory on first use.
func loadPeer(peerDirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid peer directory")
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatal().Str("dir", absDir).Msg("Peer directory does not exist")
	}

	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath, filepath.Base(absDir))
	if err != nil {
		log.Fatal().Err(err).Str("config", cfgPath).Msg("Failed to load config")
	}
	if created {
		log.Info().Str("config", cfgPath).Str("user", cfg.Identity.UserID).Msg("Created default config")
	}

	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPeer(peerDirArg string) {
	absDir, cfgPath, cfg := loadPeer(peerDirArg)

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().Msgf("peercall v%s is starting...", appVersion)
	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Logs:    logBuf,
	}); err != nil {
		log.Fatal().Err(err).Msg("Peer failed")
	}
	log.Info().Msg("Shut down gracefully")
}

func runSweep(peerDirArg string) {
	absDir, cfgPath, cfg := loadPeer(peerDirArg)

	ctx, cancel := signalContext()
	defer cancel()

	res, err := app.SweepOnce(ctx, app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg})
	if err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}
	log.Info().Strs("missed", res.Missed).Int("skipped", res.Skipped).Int64("pruned", res.Pruned).Msg("Sweep done")
}

func runInit(peerDirArg string) {
	absDir, cfgPath, cfg := loadPeer(peerDirArg)

	cfg, err := app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err != nil {
		os.Exit(1)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to save config")
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("peercall - peer-to-peer voice and video calls over a shared call database")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peercall [-h] [-version] <command> <peer-directory>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Listen for calls and serve the local call API")
	fmt.Println("        The directory holds " + configName + "; one is created on first use,")
	fmt.Println("        using the directory name as the user id")
	fmt.Println()
	fmt.Println("  sweep <directory>")
	fmt.Println("        Mark orphaned ringing calls missed, prune the change log and exit")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Edit the peer's settings interactively")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Two users sharing ./shared/calls.db")
	fmt.Println("  peercall run ./peers/carol")
	fmt.Println("  peercall run ./peers/dave")
}
