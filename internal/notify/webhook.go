// Package notify posts session and job updates to a Discord webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/soundwire/internal/config"
	"github.com/glizzus/soundwire/internal/presenters"
	"github.com/glizzus/soundwire/internal/worker"
)

// WebhookExecutor is the part of *discordgo.Session used to post.
type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ WebhookExecutor = (*discordgo.Session)(nil)

type Notifier struct {
	exec  WebhookExecutor
	id    string
	token string
}

func New(exec WebhookExecutor, webhookID, token string) *Notifier {
	return &Notifier{exec: exec, id: webhookID, token: token}
}

// NewFromConfig returns nil when no webhook is configured. A nil Notifier
// drops every update.
func NewFromConfig(cfg *config.DiscordConfig) (*Notifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}
	return New(s, cfg.WebhookID, cfg.WebhookToken), nil
}

func (n *Notifier) post(ctx context.Context, params *discordgo.WebhookParams) error {
	if n == nil {
		return nil
	}
	_, err := n.exec.WebhookExecute(n.id, n.token, false, params, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	return nil
}

func (n *Notifier) SessionStatus(ctx context.Context, v presenters.SessionView) error {
	return n.post(ctx, presenters.BuildSessionWebhook(v))
}

func (n *Notifier) JobOutcome(ctx context.Context, job worker.PlayJob, outcome string) error {
	return n.post(ctx, presenters.BuildJobOutcomeWebhook(job, outcome))
}

// JobOutcomeFunc adapts the notifier to worker.WithOutcome. Failures are
// logged.
func (n *Notifier) JobOutcomeFunc(ctx context.Context) func(worker.PlayJob, string) {
	return func(job worker.PlayJob, outcome string) {
		if err := n.JobOutcome(ctx, job, outcome); err != nil {
			slog.WarnContext(ctx, "failed to notify job outcome", "jobID", job.ID, "error", err)
		}
	}
}
