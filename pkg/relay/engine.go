// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/wormhole/pkg/store"
)

// Engine is the assembled wormhole relay: registry, moderation pipeline,
// transformer, correspondence tracker and fan-out dispatcher wired
// together. The platform gateway feeds events into the Handle* methods;
// the command layer calls the Registry and moderation mutators.
type Engine struct {
	config     *Config
	registry   *Registry
	pipeline   *Pipeline
	transform  *Transformer
	tracker    *Tracker
	dispatcher *Dispatcher
	metrics    *Metrics
	promReg    *prometheus.Registry
	log        zerolog.Logger
}

// NewEngine builds an engine from a post-processed config, a platform
// client and a config store.
func NewEngine(cfg *Config, client ChatClient, st store.Store, log zerolog.Logger) *Engine {
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	registry := NewRegistry(st, log)
	pipeline := NewPipeline(registry, client, cfg, log)
	transform := NewTransformer(cfg)
	tracker := NewTracker()
	dispatcher := NewDispatcher(client, registry, pipeline, transform, tracker, cfg, metrics, log)
	registry.SetBroadcaster(dispatcher)

	return &Engine{
		config:     cfg,
		registry:   registry,
		pipeline:   pipeline,
		transform:  transform,
		tracker:    tracker,
		dispatcher: dispatcher,
		metrics:    metrics,
		promReg:    promReg,
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// Registry exposes link-group membership and moderation state for the
// command surface.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Tracker exposes the correspondence table for introspection.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// HandleMessageCreate processes a new inbound message event.
func (e *Engine) HandleMessageCreate(ctx context.Context, msg *Message) error {
	return e.dispatcher.HandleMessageCreate(ctx, msg)
}

// HandleMessageEdit processes an edit event for a previously seen message.
func (e *Engine) HandleMessageEdit(ctx context.Context, msg *Message) error {
	return e.dispatcher.HandleMessageEdit(ctx, msg)
}

// HandleMessageDelete processes a deletion event for an origin message.
func (e *Engine) HandleMessageDelete(ctx context.Context, channelID, messageID string) error {
	return e.dispatcher.HandleMessageDelete(ctx, channelID, messageID)
}

// HandleMemberBanned processes a ban event for a member of a linked
// channel's community.
func (e *Engine) HandleMemberBanned(ctx context.Context, userID, homeChannelID string) error {
	return e.dispatcher.HandleMemberBanned(ctx, userID, homeChannelID)
}
