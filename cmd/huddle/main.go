package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/httpserver"
	"github.com/openhuddle/huddle/internal/meeting"
	"github.com/openhuddle/huddle/internal/metrics"
	"github.com/openhuddle/huddle/internal/relay"
	"github.com/openhuddle/huddle/internal/signaling"
	"github.com/openhuddle/huddle/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No networking starts until the first PeerConnection.
	api, err := webrtcpeer.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting huddle",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"static_dir", cfg.StaticDir,
		"ice_servers", len(cfg.ICE.Servers),
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"track_poll_interval", cfg.TrackPollInterval,
		"track_poll_attempts", cfg.TrackPollAttempts,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	router := signaling.NewRouter(logger)
	rly := relay.New(logger)

	newConn := func() (meeting.PeerConnection, error) {
		conn, err := webrtcpeer.NewConn(api, cfg.ICE.Servers)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	mtg := meeting.New(logger, m, rly, newConn, signaling.MeetingEvents(router), meeting.Config{
		TrackPollInterval:     cfg.TrackPollInterval,
		TrackPollAttempts:     cfg.TrackPollAttempts,
		NegotiationRetryDelay: cfg.NegotiationRetryDelay,
	})

	handler := signaling.NewConnectionHandler(logger, m, mtg, router)
	srv.Mux().Handle("GET /ws", signaling.NewWSServer(logger, m, handler, cfg))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		mtg.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	mtg.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
