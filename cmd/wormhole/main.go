// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wormhole runs the multi-channel relay engine against a
// Mattermost server: messages posted in any linked channel are relayed
// to every other channel in the same link group.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wormhole/pkg/platform/mattermost"
	"github.com/aiku/wormhole/pkg/relay"
	"github.com/aiku/wormhole/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", "config.yaml", "path to the config file")
	dbPath := flag.String("db", "./wormhole-db", "path to the config store database (empty for in-memory)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).
		Msg("Starting wormhole")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	var st store.Store
	if *dbPath == "" {
		st = store.NewMemory()
	} else {
		st, err = store.OpenPebble(*dbPath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open config store")
		}
	}
	defer st.Close()

	serverURL := os.Getenv("WORMHOLE_SERVER_URL")
	token := os.Getenv("WORMHOLE_TOKEN")
	if serverURL == "" || token == "" {
		log.Fatal().Msg("WORMHOLE_SERVER_URL and WORMHOLE_TOKEN must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := mattermost.NewClient(ctx, serverURL, token, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Mattermost")
	}

	engine := relay.NewEngine(cfg, client, st, log)

	gateway := mattermost.NewGateway(client, engine, log)
	if err := gateway.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect gateway")
	}
	defer gateway.Stop()

	go func() {
		if err := engine.ServeAdmin(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin API error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
}

// loadConfig reads the yaml config file, falling back to the embedded
// example when the file does not exist.
func loadConfig(path string) (*relay.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(relay.ExampleConfig)
	} else if err != nil {
		return nil, err
	}

	var cfg relay.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
