// Package notify sends operational alerts about the update engine itself
// (elevated failure rates, ping-flush outages) to Slack, adapted from the
// teacher's internal/notifications.SlackChannel: same slack-go client and
// Block Kit message shape, repointed at a single ops channel instead of a
// per-user DB-driven notification queue.
package notify

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Notifier sends a one-off operational alert.
type Notifier interface {
	Alert(ctx context.Context, subject, message string) error
}

// SlackNotifier posts alerts to a single fixed Slack channel via a bot
// token, mirroring the teacher's client.PostMessage usage in
// internal/notifications/slack.go.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

// NewSlackNotifier creates a SlackNotifier. token is the Slack bot token;
// channelID is the target channel or user id.
func NewSlackNotifier(token, channelID string) (*SlackNotifier, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("slack token and channel id are required")
	}
	return &SlackNotifier{client: slack.New(token), channelID: channelID}, nil
}

// Alert posts subject/message as a Block Kit message.
func (n *SlackNotifier) Alert(ctx context.Context, subject, message string) error {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", subject), false, false),
			nil, nil,
		),
	}
	if message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```\n"+message+"\n```", false, false),
			nil, nil,
		))
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(subject+": "+message, false),
	)
	if err != nil {
		log.Warn().Err(err).Str("channel", n.channelID).Msg("failed to post ops alert to slack")
		return err
	}
	return nil
}

// NewSlackNotifierFromEnv builds a SlackNotifier from SLACK_BOT_TOKEN and
// SLACK_OPS_CHANNEL, grounded on the teacher's pattern of reading delivery
// configuration from the environment (cmd/app/main.go's getEnvWithDefault).
func NewSlackNotifierFromEnv() (*SlackNotifier, error) {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_OPS_CHANNEL")
	return NewSlackNotifier(token, channel)
}
