package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/soundwire/internal/config"
	"github.com/glizzus/soundwire/internal/notify"
	"github.com/glizzus/soundwire/internal/presenters"
	"github.com/glizzus/soundwire/internal/udp"
	"github.com/glizzus/soundwire/internal/worker"
	"github.com/google/go-cmp/cmp"
)

type webhookCall struct {
	ID, Token string
	Wait      bool
	Params    *discordgo.WebhookParams
}

type mockExecutor struct {
	calls []webhookCall
	err   error
}

func (m *mockExecutor) WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.calls = append(m.calls, webhookCall{ID: webhookID, Token: token, Wait: wait, Params: data})
	return nil, m.err
}

func TestNotifierPostsPresentedMessages(t *testing.T) {
	exec := &mockExecutor{}
	n := notify.New(exec, "123", "secret")
	ctx := context.Background()

	view := presenters.SessionView{Endpoint: "127.0.0.1:1", Status: udp.StatusConnected}
	job := worker.PlayJob{ID: "job-1", Clip: "intro"}

	if err := n.SessionStatus(ctx, view); err != nil {
		t.Fatalf("SessionStatus() returned error: %v", err)
	}
	n.JobOutcomeFunc(ctx)(job, worker.JobPlayed)

	want := []webhookCall{
		{ID: "123", Token: "secret", Params: presenters.BuildSessionWebhook(view)},
		{ID: "123", Token: "secret", Params: presenters.BuildJobOutcomeWebhook(job, worker.JobPlayed)},
	}
	if diff := cmp.Diff(want, exec.calls); diff != "" {
		t.Errorf("webhook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierError(t *testing.T) {
	exec := &mockExecutor{err: errors.New("429 too many requests")}
	n := notify.New(exec, "123", "secret")
	if err := n.SessionStatus(context.Background(), presenters.SessionView{}); err == nil {
		t.Error("SessionStatus() expected error from failing webhook")
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	n, err := notify.NewFromConfig(&config.DiscordConfig{})
	if err != nil {
		t.Fatalf("NewFromConfig() returned error: %v", err)
	}
	if n != nil {
		t.Fatal("NewFromConfig() without a webhook returned a notifier")
	}
	if err := n.SessionStatus(context.Background(), presenters.SessionView{}); err != nil {
		t.Errorf("nil notifier returned error: %v", err)
	}
	n.JobOutcomeFunc(context.Background())(worker.PlayJob{}, worker.JobPlayed)
}
