package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// DiscordConfig points session status notifications at a webhook. Both
// fields are optional; notifications are disabled when either is empty.
type DiscordConfig struct {
	WebhookID    string `env:"DISCORD_WEBHOOK_ID"`
	WebhookToken string `env:"DISCORD_WEBHOOK_TOKEN"`
}

func NewDiscordConfigFromEnv() (*DiscordConfig, error) {
	var cfg DiscordConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if (cfg.WebhookID == "") != (cfg.WebhookToken == "") {
		return nil, fmt.Errorf("DISCORD_WEBHOOK_ID and DISCORD_WEBHOOK_TOKEN must be set together")
	}
	return &cfg, nil
}

// Enabled reports whether a webhook is configured.
func (c *DiscordConfig) Enabled() bool {
	return c.WebhookID != "" && c.WebhookToken != ""
}
