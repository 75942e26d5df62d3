// Copyright 2024-2026 Aiku AI

package relay

import (
	_ "embed"
	"fmt"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// MassPingPolicy selects how @everyone/@here tokens are handled.
type MassPingPolicy string

const (
	// MassPingReject rejects the message outright and deletes the origin.
	MassPingReject MassPingPolicy = "reject"
	// MassPingStrip removes the token and relays the rest of the message.
	MassPingStrip MassPingPolicy = "strip"
)

// DeliveryMode selects how relayed copies are posted.
type DeliveryMode string

const (
	// DeliveryHeader prefixes each copy with a rendered header line.
	DeliveryHeader DeliveryMode = "header"
	// DeliveryWebhook posts copies through a channel webhook carrying the
	// original author's display name and avatar.
	DeliveryWebhook DeliveryMode = "webhook"
)

// Config holds the relay engine configuration.
type Config struct {
	// HeaderTemplate renders the copy prefix in header delivery mode.
	// It receives HeaderParams.
	HeaderTemplate string       `yaml:"header_template"`
	DeliveryMode   DeliveryMode `yaml:"delivery_mode"`
	// WebhookName is the display name of the reusable bot webhook in
	// webhook delivery mode.
	WebhookName string `yaml:"webhook_name"`

	MassPingPolicy MassPingPolicy `yaml:"mass_ping_policy"`
	// NotifyOnReject controls whether blacklisted senders get an
	// in-channel notice. When false their messages are dropped silently.
	NotifyOnReject bool `yaml:"notify_on_reject"`
	AllowNSFW      bool `yaml:"allow_nsfw"`
	AllowInvites   bool `yaml:"allow_invites"`

	// EmojiBaseURL is the CDN prefix used to rewrite custom emoji that
	// the relaying account cannot use itself.
	EmojiBaseURL string `yaml:"emoji_base_url"`

	// BanSweepLookback is how many recent messages per channel are
	// inspected when a banned member's history is swept.
	BanSweepLookback int `yaml:"ban_sweep_lookback"`

	// DeliveryRate limits sends per destination channel, in messages per
	// second. Zero disables the limiter. DeliveryBurst is the bucket size.
	DeliveryRate  float64 `yaml:"delivery_rate"`
	DeliveryBurst int     `yaml:"delivery_burst"`

	// AdminAPIAddr is the listen address for the admin HTTP API.
	// Defaults to ":29340".
	AdminAPIAddr string `yaml:"admin_api_addr"`
	// SpoolDir is where attachment payloads are buffered between fetch
	// and send. Defaults to the OS temp dir.
	SpoolDir string `yaml:"spool_dir"`

	headerTemplate *template.Template `yaml:"-"`
}

// HeaderParams holds the parameters for rendering the header template.
type HeaderParams struct {
	Community   string
	DisplayName string
}

// DefaultHeaderTemplate is used when header_template is left empty.
const DefaultHeaderTemplate = "**{{ .Community }} — {{ .DisplayName }}:**"

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates enum fields, fills defaults and compiles the
// header template. Must be called before the config is used.
func (c *Config) PostProcess() error {
	if c.HeaderTemplate == "" {
		c.HeaderTemplate = DefaultHeaderTemplate
	}
	if c.DeliveryMode == "" {
		c.DeliveryMode = DeliveryHeader
	}
	if c.MassPingPolicy == "" {
		c.MassPingPolicy = MassPingStrip
	}
	if c.WebhookName == "" {
		c.WebhookName = "wormhole"
	}
	if c.BanSweepLookback <= 0 {
		c.BanSweepLookback = 50
	}
	if c.DeliveryBurst <= 0 {
		c.DeliveryBurst = 5
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29340"
	}

	switch c.DeliveryMode {
	case DeliveryHeader, DeliveryWebhook:
	default:
		return fmt.Errorf("invalid delivery_mode %q", c.DeliveryMode)
	}
	switch c.MassPingPolicy {
	case MassPingReject, MassPingStrip:
	default:
		return fmt.Errorf("invalid mass_ping_policy %q", c.MassPingPolicy)
	}

	var err error
	c.headerTemplate, err = template.New("header").Parse(c.HeaderTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse header_template: %w", err)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "header_template")
	helper.Copy(up.Str, "delivery_mode")
	helper.Copy(up.Str, "webhook_name")
	helper.Copy(up.Str, "mass_ping_policy")
	helper.Copy(up.Bool, "notify_on_reject")
	helper.Copy(up.Bool, "allow_nsfw")
	helper.Copy(up.Bool, "allow_invites")
	helper.Copy(up.Str, "emoji_base_url")
	helper.Copy(up.Int, "ban_sweep_lookback")
	helper.Copy(up.Float, "delivery_rate")
	helper.Copy(up.Int, "delivery_burst")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str, "spool_dir")
}

// ConfigUpgrader returns the example config and upgrader for hosts that
// manage their config file with configupgrade.
func ConfigUpgrader(cfg *Config) (example string, data any, upgrader up.Upgrader) {
	return ExampleConfig, cfg, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// FormatHeader renders the copy header for the given origin identity.
func (c *Config) FormatHeader(params HeaderParams) string {
	if c.headerTemplate == nil {
		return fmt.Sprintf("**%s — %s:**", params.Community, params.DisplayName)
	}
	var buf []byte
	err := c.headerTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return fmt.Sprintf("**%s — %s:**", params.Community, params.DisplayName)
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
