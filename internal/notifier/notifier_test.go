package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

type stubSender struct {
	attempts int
	err      error
}

func (s *stubSender) Send(ctx context.Context, target alertdef.NotificationTarget, msg Message) (int, error) {
	return s.attempts, s.err
}

func TestFanoutSendDispatchesToEveryTarget(t *testing.T) {
	ok := &stubSender{attempts: 1}
	failing := &stubSender{attempts: 3, err: errors.New("boom")}
	fanout := NewFanout(map[alertdef.Channel]Sender{
		alertdef.ChannelSlack:   ok,
		alertdef.ChannelWebhook: failing,
	})

	targets := []alertdef.NotificationTarget{
		{Channel: alertdef.ChannelSlack},
		{Channel: alertdef.ChannelWebhook},
	}
	results := fanout.Send(context.Background(), targets, Message{AlertName: "x"})
	assert.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err, "one target failing must not prevent the other's result from being reported")
}

func TestFanoutSendUnknownChannelReportsError(t *testing.T) {
	fanout := NewFanout(map[alertdef.Channel]Sender{})
	results := fanout.Send(context.Background(), []alertdef.NotificationTarget{{Channel: alertdef.ChannelEmail}}, Message{})
	assert.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Attempts: 1, Err: nil},
		{Attempts: 3, Err: errors.New("fail")},
		{Attempts: 0, Err: nil}, // a zero-attempt success still counts as one attempt
	}
	attempted, failed := Summarize(results)
	assert.Equal(t, 5, attempted)
	assert.Equal(t, 1, failed)
}

func TestMessageSortedContextKeys(t *testing.T) {
	msg := Message{Context: map[string]string{"zeta": "1", "alpha": "2", "mid": "3"}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, msg.SortedContextKeys())
}
