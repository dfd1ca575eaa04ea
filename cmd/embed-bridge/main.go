// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command embed-bridge runs the embedded session bridge: a small service
// that mediates session and authentication state between an untrusted host
// page and an embedded Matrix chat client. The host talks to it over a
// websocket; credentials never pass through the host beyond the session
// descriptor it is explicitly handed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/embed-bridge/pkg/embedbridge"
	"github.com/aiku/embed-bridge/pkg/frametransport"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath    = flag.StringP("config", "c", "config.yaml", "config file path")
	debug         = flag.Bool("debug", false, "enable debug logging")
	version       = flag.Bool("version", false, "print version and exit")
	writeExample  = flag.Bool("generate-config", false, "write the example config to stdout and exit")
	shutdownGrace = flag.Duration("shutdown-grace", 10*time.Second, "how long to wait for in-flight work on shutdown")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("embed-bridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(embedbridge.ExampleConfig)
		return
	}

	// Not an error when absent; the environment is an optional override.
	_ = godotenv.Load()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := embedbridge.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	store, err := embedbridge.NewCredentialStore(cfg.StorePath, cfg.CachePassphrase, log)
	if err != nil {
		return err
	}
	defer store.Close()

	factory := embedbridge.NewMatrixClientFactory(store, cfg.DeviceDisplayName, log)
	lifecycle := embedbridge.NewLifecycleManager(factory, store, log)
	codec := embedbridge.NewCodec(cfg.HostOrigin)
	link := frametransport.NewHostLink(codec, log)
	machine := embedbridge.NewSessionMachine(lifecycle, store, link, cfg.HomeserverURL, log)
	bridge := embedbridge.NewBridge(codec, machine, link, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bridge.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	frametransport.NewHandler(bridge, link, cfg.HostOrigin, log).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("host_origin", cfg.HostOrigin).Msg("Bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
