package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/fencectl/internal/coordinator"
	"github.com/danmuck/fencectl/internal/health"
	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/logging"
	"github.com/danmuck/fencectl/internal/observability"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to coordinatorctl TOML config")
	listen := pflag.String("listen", "", "override listen_addr")
	leaderSession := pflag.String("leader-session", "", `override leader_session (token or "name:<label>")`)
	pflag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath, *listen, *leaderSession); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatorctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen, leaderSession string) error {
	cfg := defaultRuntimeConfig()
	if configPath != "" {
		loaded, err := loadRuntimeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Service.ListenAddr = listen
	}
	if leaderSession != "" {
		cfg.LeaderSession = leaderSession
	}

	election, err := newElection(cfg.LeaderSession)
	if err != nil {
		return err
	}
	tracker := health.NewTracker(nil, cfg.HealthHistory)
	coord, err := coordinator.New(cfg.CoordinatorID, election, tracker, nil)
	if err != nil {
		return err
	}
	stop := coord.WatchElection(election)
	defer stop()

	logger := observability.NodeLogger("coordinatorctl", cfg.CoordinatorID)
	token, _ := election.CurrentToken()
	logger.Info().Str("leader_session", token.String()).Msg("coordinatorctl leadership held")

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}
	return coordinator.NewService(cfg.Service, coord, nil).Run()
}

func newElection(raw string) (*leader.Election, error) {
	election := leader.NewElection()
	if raw == "" {
		election.Acquire()
		return election, nil
	}
	token, err := leader.ParseSession(raw)
	if err != nil {
		return nil, err
	}
	if err := election.Adopt(token); err != nil {
		return nil, err
	}
	return election, nil
}

func serveMetrics(addr string) *http.Server {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("coordinatorctl metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("coordinatorctl metrics listening")
	return srv
}
