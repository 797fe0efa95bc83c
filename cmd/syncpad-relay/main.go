// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// syncpad-relay is the reference relay server: websocket room channels
// carrying signaling envelopes, relay-fallback traffic, and presence.
// It holds no document state and cannot read sealed payloads.
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

	"github.com/spf13/pflag"

	"github.com/syncpad-foundation/syncpad/lib/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("syncpad-relay", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	listen := flags.String("listen", "", "listen address (overrides config)")
	logLevel := flags.String("log-level", "", "debug, info, warn, or error (overrides config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "syncpad-relay: %v\n", err)
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncpad-relay: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Relay.ListenAddress = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "syncpad-relay: %v\n", err)
		return 1
	}

	log := config.NewLogger(cfg.Log)
	hub := NewHub(log)

	mux := http.NewServeMux()
	mux.Handle("/relay", hub)
	server := &http.Server{
		Addr:        cfg.Relay.ListenAddress,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Info("relay listening", "address", cfg.Relay.ListenAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "syncpad-relay: %v\n", err)
		return 1
	}
	return 0
}
