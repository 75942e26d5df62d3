// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// RejectReason classifies a policy rejection.
type RejectReason string

const (
	ReasonBlacklisted  RejectReason = "blacklisted"
	ReasonFilteredWord RejectReason = "filtered_word"
	ReasonNSFW         RejectReason = "nsfw_disallowed"
	ReasonMassPing     RejectReason = "mass_ping"
	ReasonInviteLink   RejectReason = "invite_link"
)

// Decision is the outcome of the moderation pipeline for one message in
// one group. Rejections are values, not errors: they are part of normal
// operation.
type Decision struct {
	Allowed bool
	Reason  RejectReason
	// UserNotice is the in-channel notice text for the author. Empty
	// means silent drop.
	UserNotice string
	// DeleteOrigin asks the dispatcher to delete the offending message.
	DeleteOrigin bool
}

var allowDecision = Decision{Allowed: true}

// Mass-ping tokens addressing a whole channel or community.
var massPingTokens = []string{"@everyone", "@here"}

// invitePattern matches platform invite links of the form
// scheme://host/invite/code.
var invitePattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s]*/invite/[^\s]+`)

// Pipeline evaluates one inbound message against the moderation policy.
// Checks run in a fixed order and short-circuit on the first hit.
type Pipeline struct {
	registry *Registry
	client   ChatClient
	config   *Config
	log      zerolog.Logger
}

// NewPipeline creates a moderation pipeline. The client is only used for
// the NSFW channel flag lookup.
func NewPipeline(registry *Registry, client ChatClient, cfg *Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		client:   client,
		config:   cfg,
		log:      log.With().Str("component", "moderation").Logger(),
	}
}

// Evaluate runs the full check chain. A returned error means the config
// store or platform was unreachable; the current operation fails but no
// state is corrupted.
func (p *Pipeline) Evaluate(ctx context.Context, msg *Message, group GroupRef) (Decision, error) {
	blacklist, err := p.registry.Blacklist(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read blacklist: %w", err)
	}
	if contains(blacklist, msg.SenderID) {
		d := Decision{Reason: ReasonBlacklisted, DeleteOrigin: p.config.NotifyOnReject}
		if p.config.NotifyOnReject {
			d.UserNotice = "You are not allowed to use the wormhole."
		}
		return d, nil
	}

	words, err := p.registry.WordFilter(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read word filter: %w", err)
	}
	for _, word := range words {
		if word != "" && strings.Contains(msg.Text, word) {
			return Decision{
				Reason:       ReasonFilteredWord,
				UserNotice:   "That content is not allowed.",
				DeleteOrigin: true,
			}, nil
		}
	}

	allowNSFW, err := p.registry.GroupAllowsNSFW(ctx, group, p.config.AllowNSFW)
	if err != nil {
		return Decision{}, err
	}
	if !allowNSFW {
		nsfw, err := p.client.IsChannelNSFW(ctx, msg.ChannelID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check channel NSFW flag: %w", err)
		}
		if nsfw {
			return Decision{
				Reason:       ReasonNSFW,
				UserNotice:   "NSFW channels cannot relay into this wormhole.",
				DeleteOrigin: true,
			}, nil
		}
	}

	// In strip mode the transformer handles mass pings instead.
	if p.config.MassPingPolicy == MassPingReject && containsMassPing(msg.Text) {
		return Decision{
			Reason:       ReasonMassPing,
			UserNotice:   "Mass pings are not allowed through the wormhole.",
			DeleteOrigin: true,
		}, nil
	}

	if !p.config.AllowInvites && invitePattern.MatchString(msg.Text) {
		return Decision{
			Reason:       ReasonInviteLink,
			UserNotice:   "Invite links are not allowed through the wormhole.",
			DeleteOrigin: true,
		}, nil
	}

	return allowDecision, nil
}

func containsMassPing(text string) bool {
	for _, token := range massPingTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}
