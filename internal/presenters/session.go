package presenters

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/udp"
	"github.com/glizzus/soundwire/internal/worker"
)

const (
	colorConnected    = 0x2ecc71
	colorConnecting   = 0xf1c40f
	colorDisconnected = 0xe74c3c
)

// SessionView is a snapshot of a voice session for display.
type SessionView struct {
	Endpoint   string
	External   netip.AddrPort
	SSRC       uint32
	Status     udp.Status
	Suite      encryption.Suite
	Rebuilds   uint64
	Keepalives uint64
}

func statusColor(s udp.Status) int {
	switch s {
	case udp.StatusConnected:
		return colorConnected
	case udp.StatusConnecting:
		return colorConnecting
	default:
		return colorDisconnected
	}
}

func inlineField(name, value string) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true}
}

func BuildSessionStatusEmbed(v SessionView) *discordgo.MessageEmbed {
	external := "unknown"
	if v.External.IsValid() {
		external = v.External.String()
	}

	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Voice session %s", v.Status),
		Color: statusColor(v.Status),
		Fields: []*discordgo.MessageEmbedField{
			inlineField("Server", v.Endpoint),
			inlineField("External address", external),
			inlineField("SSRC", strconv.FormatUint(uint64(v.SSRC), 10)),
			inlineField("Cipher", string(v.Suite)),
			inlineField("Rebuilds", strconv.FormatUint(v.Rebuilds, 10)),
			inlineField("Keepalives", strconv.FormatUint(v.Keepalives, 10)),
		},
	}
}

// BuildSessionWebhook wraps the status embed for a webhook post.
func BuildSessionWebhook(v SessionView) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{BuildSessionStatusEmbed(v)},
	}
}

var outcomeText = map[string]string{
	worker.JobPlayed:    "played",
	worker.JobFailed:    "failed to play",
	worker.JobCancelled: "was cancelled",
	worker.JobMissing:   "has no stored audio",
}

func BuildJobOutcomeWebhook(job worker.PlayJob, outcome string) *discordgo.WebhookParams {
	text, ok := outcomeText[outcome]
	if !ok {
		text = outcome
	}
	return &discordgo.WebhookParams{
		Content: fmt.Sprintf("Clip **%s** %s _(job %s)_", job.Clip, text, job.ID),
	}
}
