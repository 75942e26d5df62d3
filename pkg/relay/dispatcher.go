// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Dispatcher orchestrates the message lifecycle: moderation, transform,
// per-destination delivery, correspondence bookkeeping and the edit,
// delete and ban cascades. Delivery failures are isolated per destination
// and never retried.
type Dispatcher struct {
	client    ChatClient
	registry  *Registry
	pipeline  *Pipeline
	transform *Transformer
	tracker   *Tracker
	config    *Config
	metrics   *Metrics
	log       zerolog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

var _ StatusBroadcaster = (*Dispatcher)(nil)

// NewDispatcher wires the dispatcher. All collaborators are required
// except metrics, which may be nil to disable counting.
func NewDispatcher(client ChatClient, registry *Registry, pipeline *Pipeline,
	transform *Transformer, tracker *Tracker, cfg *Config, metrics *Metrics,
	log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:    client,
		registry:  registry,
		pipeline:  pipeline,
		transform: transform,
		tracker:   tracker,
		config:    cfg,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatcher").Logger(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// HandleMessageCreate relays a new message to every other member channel
// of every group the origin channel belongs to.
func (d *Dispatcher) HandleMessageCreate(ctx context.Context, msg *Message) error {
	groups, err := d.registry.GroupsOf(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to resolve groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	log := d.log.With().Str("message_id", msg.ID).Str("channel_id", msg.ChannelID).Logger()

	for _, group := range groups {
		decision, err := d.pipeline.Evaluate(ctx, msg, group)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			log.Info().Str("reason", string(decision.Reason)).Stringer("group", group).
				Msg("Message rejected")
			d.handleRejection(ctx, msg, decision)
			return nil
		}
	}

	bypass, err := d.registry.MentionBypass(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mention bypass list: %w", err)
	}
	out := d.transform.Transform(msg, bypass)
	if out.DropEmpty {
		log.Debug().Msg("Message empty after stripping, deleting origin")
		d.deleteOrigin(ctx, msg.ChannelID, msg.ID)
		return nil
	}

	d.sendNotices(ctx, out.Notices)

	destinations, err := d.destinationsFor(ctx, groups, msg.ChannelID)
	if err != nil {
		return err
	}
	if len(destinations) == 0 {
		return nil
	}

	spooled, cleanup, err := d.spoolAttachments(ctx, out.Attachments)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to spool attachments, relaying text only")
		spooled = nil
	}
	defer cleanup()

	var wg sync.WaitGroup
	var delivered atomic.Int64
	for _, dest := range destinations {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			copyID, err := d.deliver(ctx, dest, msg, out.Text, spooled, "")
			if err != nil {
				log.Warn().Err(err).Str("destination", dest).Msg("Delivery failed")
				if d.metrics != nil {
					d.metrics.DeliveryFailures.Inc()
				}
				return
			}
			d.tracker.Record(msg.ID, dest, copyID)
			delivered.Add(1)
		}(dest)
	}
	wg.Wait()

	if d.metrics != nil && delivered.Load() > 0 {
		d.metrics.Relayed.Inc()
	}
	log.Debug().Int64("delivered", delivered.Load()).Int("destinations", len(destinations)).
		Msg("Message relayed")
	return nil
}

// HandleMessageEdit re-runs moderation and transform on the edited
// content. A now-rejected edit, or one that strips to nothing, deletes
// the origin and every existing copy; an allowed edit replaces each copy
// with one marked "(edited)".
func (d *Dispatcher) HandleMessageEdit(ctx context.Context, msg *Message) error {
	groups, err := d.registry.GroupsOf(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to resolve groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	log := d.log.With().Str("message_id", msg.ID).Str("channel_id", msg.ChannelID).Logger()

	for _, group := range groups {
		decision, err := d.pipeline.Evaluate(ctx, msg, group)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			log.Info().Str("reason", string(decision.Reason)).Msg("Edited message rejected")
			d.handleRejection(ctx, msg, decision)
			// The pre-edit copies are now policy-violating too.
			d.tracker.Update(msg.ID, func(copies map[string]string) {
				d.deleteCopies(ctx, copies, log)
			})
			return nil
		}
	}

	bypass, err := d.registry.MentionBypass(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mention bypass list: %w", err)
	}
	out := d.transform.Transform(msg, bypass)
	if out.DropEmpty {
		log.Debug().Msg("Edited message empty after stripping, deleting origin and copies")
		d.deleteOrigin(ctx, msg.ChannelID, msg.ID)
		d.tracker.Update(msg.ID, func(copies map[string]string) {
			d.deleteCopies(ctx, copies, log)
		})
		return nil
	}

	d.sendNotices(ctx, out.Notices)

	d.tracker.Update(msg.ID, func(copies map[string]string) {
		for dest, oldCopy := range copies {
			if err := d.client.DeleteMessage(ctx, dest, oldCopy); err != nil && !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("destination", dest).Msg("Failed to delete superseded copy")
			}
			newCopy, err := d.deliver(ctx, dest, msg, out.Text, nil, " *(edited)*")
			if err != nil {
				log.Warn().Err(err).Str("destination", dest).Msg("Failed to deliver edited copy")
				if d.metrics != nil {
					d.metrics.DeliveryFailures.Inc()
				}
				delete(copies, dest)
				continue
			}
			copies[dest] = newCopy
		}
	})

	if d.metrics != nil {
		d.metrics.EditCascades.Inc()
	}
	return nil
}

// HandleMessageDelete removes every copy of a deleted origin message and
// discards its correspondence entries.
func (d *Dispatcher) HandleMessageDelete(ctx context.Context, channelID, messageID string) error {
	log := d.log.With().Str("message_id", messageID).Str("channel_id", channelID).Logger()

	d.tracker.Update(messageID, func(copies map[string]string) {
		d.deleteCopies(ctx, copies, log)
	})
	if d.metrics != nil {
		d.metrics.DeleteCascades.Inc()
	}
	return nil
}

// HandleMemberBanned sweeps the banned member's recent messages out of
// every member channel of every group the home channel belongs to. Best
// effort: failures are logged and the sweep moves on.
func (d *Dispatcher) HandleMemberBanned(ctx context.Context, userID, homeChannelID string) error {
	groups, err := d.registry.GroupsOf(ctx, homeChannelID)
	if err != nil {
		return fmt.Errorf("failed to resolve groups: %w", err)
	}
	channels, err := d.destinationsFor(ctx, groups, "")
	if err != nil {
		return err
	}

	log := d.log.With().Str("user_id", userID).Logger()
	log.Info().Int("channels", len(channels)).Msg("Starting ban sweep")

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			history, err := d.client.FetchHistory(ctx, ch, d.config.BanSweepLookback)
			if err != nil {
				log.Warn().Err(err).Str("channel_id", ch).Msg("Ban sweep: failed to fetch history")
				return
			}
			for _, m := range history {
				if m.SenderID != userID {
					continue
				}
				if err := d.client.DeleteMessage(ctx, ch, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
					log.Warn().Err(err).Str("channel_id", ch).Str("message_id", m.ID).
						Msg("Ban sweep: failed to delete message")
					continue
				}
				if d.metrics != nil {
					d.metrics.BanSweepDeletes.Inc()
				}
			}
		}(ch)
	}
	wg.Wait()
	return nil
}

// BroadcastStatus sends a status notice to every member of the group
// except one channel. Failures are ignored.
func (d *Dispatcher) BroadcastStatus(ctx context.Context, group GroupRef, exceptChannel, title, body string) {
	members, err := d.registry.MembersOf(ctx, group)
	if err != nil {
		d.log.Warn().Err(err).Stringer("group", group).Msg("Status broadcast: failed to list members")
		return
	}
	for _, ch := range members {
		if ch == exceptChannel {
			continue
		}
		if err := d.client.SendStatus(ctx, ch, title, body); err != nil {
			d.log.Debug().Err(err).Str("channel_id", ch).Msg("Status broadcast failed")
		}
	}
}

// deliver posts one copy to one destination and returns the copy id. The
// recorded copy id is always the primary text send; attachment follow-ups
// are best effort.
func (d *Dispatcher) deliver(ctx context.Context, dest string, msg *Message,
	text string, spooled []spooledAttachment, suffix string) (string, error) {
	if err := d.waitLimiter(ctx, dest); err != nil {
		return "", err
	}

	var copyID string
	var err error
	switch d.config.DeliveryMode {
	case DeliveryWebhook:
		var hook Webhook
		hook, err = d.client.CreateOrReuseWebhook(ctx, dest, d.config.WebhookName)
		if err != nil {
			return "", fmt.Errorf("failed to prepare webhook: %w", err)
		}
		copyID, err = hook.Send(ctx, text+suffix, msg.SenderName, msg.AvatarURL)
	default:
		header := d.config.FormatHeader(HeaderParams{
			Community:   msg.Community,
			DisplayName: msg.SenderName,
		})
		copyID, err = d.client.SendText(ctx, dest, header+" "+text+suffix)
	}
	if err != nil {
		return "", err
	}

	for _, att := range spooled {
		if err := d.sendSpooled(ctx, dest, att); err != nil {
			d.log.Warn().Err(err).Str("destination", dest).Str("filename", att.name).
				Msg("Attachment delivery failed")
			if d.metrics != nil {
				d.metrics.DeliveryFailures.Inc()
			}
		}
	}
	return copyID, nil
}

// spooledAttachment is an attachment buffered to a local temp file so the
// payload is fetched once regardless of destination count.
type spooledAttachment struct {
	name string
	path string
}

// spoolAttachments streams each attachment into the spool dir. The
// returned cleanup removes the temp files and must always be called.
func (d *Dispatcher) spoolAttachments(ctx context.Context, attachments []Attachment) ([]spooledAttachment, func(), error) {
	var spooled []spooledAttachment
	cleanup := func() {
		for _, att := range spooled {
			if err := os.Remove(att.path); err != nil {
				d.log.Debug().Err(err).Str("path", att.path).Msg("Failed to remove spool file")
			}
		}
	}

	for _, att := range attachments {
		src, err := att.Source.Open(ctx)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to open attachment %s: %w", att.Name, err)
		}
		f, err := os.CreateTemp(d.config.SpoolDir, "wormhole-"+uuid.NewString())
		if err != nil {
			src.Close()
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to create spool file: %w", err)
		}
		_, err = io.Copy(f, src)
		src.Close()
		f.Close()
		if err != nil {
			os.Remove(f.Name())
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to spool attachment %s: %w", att.Name, err)
		}
		spooled = append(spooled, spooledAttachment{name: att.Name, path: f.Name()})
	}
	return spooled, cleanup, nil
}

func (d *Dispatcher) sendSpooled(ctx context.Context, dest string, att spooledAttachment) error {
	f, err := os.Open(att.path)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	defer f.Close()
	if _, err := d.client.SendAttachment(ctx, dest, f, att.name); err != nil {
		return err
	}
	return nil
}

// handleRejection applies a rejection's side effects: counter, optional
// in-channel notice, optional origin deletion.
func (d *Dispatcher) handleRejection(ctx context.Context, msg *Message, decision Decision) {
	if d.metrics != nil {
		d.metrics.Rejected.WithLabelValues(string(decision.Reason)).Inc()
	}
	if decision.UserNotice != "" {
		if err := d.client.SendStatus(ctx, msg.ChannelID, "Wormhole", decision.UserNotice); err != nil {
			d.log.Debug().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to send rejection notice")
		}
	}
	if decision.DeleteOrigin {
		d.deleteOrigin(ctx, msg.ChannelID, msg.ID)
	}
}

func (d *Dispatcher) deleteOrigin(ctx context.Context, channelID, messageID string) {
	if err := d.client.DeleteMessage(ctx, channelID, messageID); err != nil && !errors.Is(err, ErrNotFound) {
		d.log.Warn().Err(err).Str("channel_id", channelID).Str("message_id", messageID).
			Msg("Failed to delete origin message")
	}
}

// deleteCopies removes every copy in the map and clears it. An already
// deleted copy is not an error. Caller holds the origin's critical section.
func (d *Dispatcher) deleteCopies(ctx context.Context, copies map[string]string, log zerolog.Logger) {
	for dest, copyID := range copies {
		if err := d.client.DeleteMessage(ctx, dest, copyID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("destination", dest).Str("copy_id", copyID).
				Msg("Failed to delete copy")
		}
		delete(copies, dest)
	}
}

// sendNotices delivers mention notices. Fire and forget: a failed notice
// never affects the relay.
func (d *Dispatcher) sendNotices(ctx context.Context, notices []UserNotice) {
	for _, n := range notices {
		go func(n UserNotice) {
			if err := d.client.SendDirectNotice(ctx, n.UserID, n.Notice); err != nil {
				d.log.Debug().Err(err).Str("user_id", n.UserID).Msg("Failed to send mention notice")
			}
		}(n)
	}
}

// destinationsFor returns the deduplicated union of member channels of
// the given groups, excluding the origin channel.
func (d *Dispatcher) destinationsFor(ctx context.Context, groups []GroupRef, origin string) ([]string, error) {
	seen := make(map[string]struct{})
	var destinations []string
	for _, group := range groups {
		members, err := d.registry.MembersOf(ctx, group)
		if err != nil {
			return nil, err
		}
		for _, ch := range members {
			if ch == origin {
				continue
			}
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			destinations = append(destinations, ch)
		}
	}
	return destinations, nil
}

func (d *Dispatcher) waitLimiter(ctx context.Context, dest string) error {
	if d.config.DeliveryRate <= 0 {
		return nil
	}
	d.limiterMu.Lock()
	limiter, ok := d.limiters[dest]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.config.DeliveryRate), d.config.DeliveryBurst)
		d.limiters[dest] = limiter
	}
	d.limiterMu.Unlock()
	return limiter.Wait(ctx)
}
