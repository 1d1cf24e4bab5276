package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

func TestWebhookSenderRejectsDisallowedHost(t *testing.T) {
	sender := NewWebhookSender(NewHostAllowlist([]string{"*.allowed.example"}))
	target := alertdef.NotificationTarget{Channel: alertdef.ChannelWebhook, URL: "https://not-allowed.example/hook"}

	_, err := sender.Send(context.Background(), target, Message{AlertName: "x"})
	assert.Error(t, err)
}

func TestWebhookSenderDeliversPayload(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(nil)
	target := alertdef.NotificationTarget{Channel: alertdef.ChannelWebhook, URL: srv.URL}
	attempts, err := sender.Send(context.Background(), target, Message{AlertName: "disk_full", Status: "ALERT"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "disk_full", received.AlertName)
	assert.Equal(t, "ALERT", received.Status)
}

func TestWebhookSenderNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := NewWebhookSender(nil)
	target := alertdef.NotificationTarget{Channel: alertdef.ChannelWebhook, URL: srv.URL}
	_, err := sender.Send(context.Background(), target, Message{AlertName: "x"})
	assert.Error(t, err)
}

func TestWebhookSenderUsesMethodHeaderOverride(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(nil)
	target := alertdef.NotificationTarget{
		Channel: alertdef.ChannelWebhook, URL: srv.URL,
		Headers: map[string]string{"method": http.MethodPut},
	}
	_, err := sender.Send(context.Background(), target, Message{AlertName: "x"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
}
