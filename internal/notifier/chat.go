package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// ChatSender posts a color-coded attachment to a Slack-compatible incoming
// webhook: red for ALERT, green for OK.
type ChatSender struct {
	allowlist *HostAllowlist
}

func NewChatSender(allowlist *HostAllowlist) *ChatSender {
	return &ChatSender{allowlist: allowlist}
}

func (s *ChatSender) Send(ctx context.Context, target alertdef.NotificationTarget, msg Message) (int, error) {
	if s.allowlist != nil {
		if err := s.allowlist.Check(target.WebhookURL); err != nil {
			return 0, err
		}
	}

	color := "good"
	if msg.Status == "ALERT" {
		color = "danger"
	}

	fields := []slack.AttachmentField{
		{Title: "status", Value: msg.Status, Short: true},
	}
	if msg.ActualValue != nil {
		fields = append(fields, slack.AttachmentField{Title: "actual_value", Value: fmt.Sprintf("%g", *msg.ActualValue), Short: true})
	}
	if msg.Threshold != nil {
		fields = append(fields, slack.AttachmentField{Title: "threshold", Value: fmt.Sprintf("%g", *msg.Threshold), Short: true})
	}
	for _, k := range msg.SortedContextKeys() {
		fields = append(fields, slack.AttachmentField{Title: k, Value: msg.Context[k], Short: true})
	}

	payload := &slack.WebhookMessage{
		Username: target.Username,
		Attachments: []slack.Attachment{
			{
				Color:  color,
				Title:  msg.AlertName,
				Fields: fields,
				Ts:     msgTimestamp(msg),
			},
		},
	}
	if target.ChannelName != "" {
		payload.Channel = target.ChannelName
	}

	return withRetry(ctx, func(attemptCtx context.Context) (bool, error) {
		err := slack.PostWebhookContext(attemptCtx, target.WebhookURL, payload)
		if err == nil {
			return false, nil
		}
		return isRetryableHTTP(0, err), err
	})
}

func msgTimestamp(msg Message) json.Number {
	return json.Number(fmt.Sprintf("%d", msg.Timestamp.Unix()))
}
