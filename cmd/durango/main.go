// Command durango runs the bridge daemon: it attaches the local Codex agent
// server to the durango relay so threads can be driven from the web product.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/bridge"
	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/internal/config"
	"github.com/durango-dev/durango/internal/debug"
	"github.com/durango-dev/durango/pkg/relay"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "durango: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "durango: initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting durango bridge",
		zap.String("version", Version),
		zap.String("machine_id", cfg.Machine.MachineID),
		zap.String("relay_url", cfg.Relay.URL))

	b := bridge.New(cfg, describeMachine(cfg), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Debug.Addr != "" {
		dbg := debug.NewServer(cfg.Debug.Addr, b, log)
		dbg.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = dbg.Shutdown(shutdownCtx)
		}()
	}

	if err := b.Run(ctx); err != nil {
		log.WithError(err).Error("bridge session ended")
		os.Exit(1)
	}
}

// describeMachine builds the descriptor reported in machine.hello.
func describeMachine(cfg *config.Config) relay.MachineDescriptor {
	hostname, _ := os.Hostname()
	desc := relay.MachineDescriptor{
		MachineID:    cfg.Machine.MachineID,
		UserID:       cfg.Machine.UserID,
		Hostname:     hostname,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		CLIVersion:   Version,
		CodexVersion: cfg.Codex.Version,
	}
	if info, err := host.Info(); err == nil {
		desc.OSVersion = info.PlatformVersion
	}
	return desc
}
