package notifier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderSubjectDefaultTemplate(t *testing.T) {
	msg := Message{AlertName: "disk_full", Status: "ALERT"}
	assert.Equal(t, "[disk_full] ALERT", renderSubject("", msg))
}

func TestRenderSubjectCustomTemplate(t *testing.T) {
	msg := Message{AlertName: "disk_full", Status: "OK"}
	got := renderSubject("alert {alert_name} is now {status}", msg)
	assert.Equal(t, "alert disk_full is now OK", got)
}

func TestRenderBodyIncludesOptionalFieldsAndContext(t *testing.T) {
	av, th := 91.2, 90.0
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := Message{
		AlertName: "disk_full", Status: "ALERT",
		ActualValue: &av, Threshold: &th, Timestamp: ts,
		Context: map[string]string{"host": "db-1"},
	}
	body := renderBody(msg)
	assert.Contains(t, body, "alert: disk_full")
	assert.Contains(t, body, "status: ALERT")
	assert.Contains(t, body, "actual_value: 91.2")
	assert.Contains(t, body, "threshold: 90")
	assert.Contains(t, body, "host: db-1")
}

func TestRenderBodyOmitsNilValueThreshold(t *testing.T) {
	msg := Message{AlertName: "x", Status: "OK"}
	body := renderBody(msg)
	assert.NotContains(t, body, "actual_value:")
	assert.NotContains(t, body, "threshold:")
}

func TestIsRetryableSMTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", errors.New("dial timeout"), true},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"temporary failure", errors.New("450 4.2.1 temporarily deferred"), true},
		{"i/o timeout", errors.New("read: i/o timeout"), true},
		{"permanent auth failure", errors.New("535 5.7.8 authentication failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableSMTP(tt.err))
		})
	}
}
