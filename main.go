package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"kai/server/internal/core"
	"kai/server/internal/httpapi"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const (
	roomSweepInterval  = time.Hour
	voiceSweepInterval = time.Minute
	metricsInterval    = time.Minute
	certValidity       = 30 * 24 * time.Hour
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	useTLS := flag.Bool("tls", false, "serve wss/https with a self-signed certificate")
	tlsHostname := flag.String("tls-hostname", "", "hostname for the self-signed certificate")
	debug := flag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "tls", *useTLS)

	registry := core.NewRegistry()
	limiter := core.NewRateLimiter()
	server := httpapi.New(registry, limiter)

	var tlsConfig *tls.Config
	if *useTLS {
		cfg, fingerprint, err := generateTLSConfig(certValidity, *tlsHostname)
		if err != nil {
			slog.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		tlsConfig = cfg
		// Logged so clients can pin the certificate.
		slog.Info("self-signed certificate generated", "sha256_fingerprint", fingerprint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runSweeps(ctx, registry)
	go RunMetrics(ctx, registry, metricsInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr, tlsConfig); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runSweeps drives the periodic room TTL and voice idle sweeps until ctx is
// canceled.
func runSweeps(ctx context.Context, registry *core.Registry) {
	roomTick := time.NewTicker(roomSweepInterval)
	defer roomTick.Stop()
	voiceTick := time.NewTicker(voiceSweepInterval)
	defer voiceTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-roomTick.C:
			registry.SweepExpiredRooms()
		case <-voiceTick.C:
			registry.SweepIdleVoice()
		}
	}
}
