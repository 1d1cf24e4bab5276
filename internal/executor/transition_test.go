package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

func TestTransitionTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		prior             alertstate.State
		newStatus         alertstate.Status
		wantDecision      decisionKind
		wantStatus        alertstate.Status
		wantConsecAlerts  int
		wantConsecOKs     int
		wantLastAlertSame bool // if true, LastAlertAt must not have changed
	}{
		{
			name:         "UNKNOWN -> OK does not notify",
			prior:        alertstate.State{CurrentStatus: alertstate.StatusUnknown},
			newStatus:    alertstate.StatusOK,
			wantDecision: decisionNone,
			wantStatus:   alertstate.StatusOK,
			wantConsecOKs: 1,
		},
		{
			name:             "UNKNOWN -> ALERT notifies",
			prior:            alertstate.State{CurrentStatus: alertstate.StatusUnknown},
			newStatus:        alertstate.StatusAlert,
			wantDecision:     decisionNotify,
			wantStatus:       alertstate.StatusAlert,
			wantConsecAlerts: 1,
		},
		{
			name:             "OK -> ALERT notifies",
			prior:            alertstate.State{CurrentStatus: alertstate.StatusOK, ConsecutiveOKs: 10},
			newStatus:        alertstate.StatusAlert,
			wantDecision:     decisionNotify,
			wantStatus:       alertstate.StatusAlert,
			wantConsecAlerts: 1,
		},
		{
			name:             "ALERT -> ALERT does not re-notify",
			prior:            alertstate.State{CurrentStatus: alertstate.StatusAlert, ConsecutiveAlerts: 2},
			newStatus:        alertstate.StatusAlert,
			wantDecision:     decisionNone,
			wantStatus:       alertstate.StatusAlert,
			wantConsecAlerts: 3,
		},
		{
			name:          "ALERT -> OK notifies (resolution)",
			prior:         alertstate.State{CurrentStatus: alertstate.StatusAlert, ConsecutiveAlerts: 5},
			newStatus:     alertstate.StatusOK,
			wantDecision:  decisionNotify,
			wantStatus:    alertstate.StatusOK,
			wantConsecOKs: 1,
		},
		{
			name:         "OK -> OK does not notify",
			prior:        alertstate.State{CurrentStatus: alertstate.StatusOK, ConsecutiveOKs: 4},
			newStatus:    alertstate.StatusOK,
			wantDecision: decisionNone,
			wantStatus:   alertstate.StatusOK,
			wantConsecOKs: 5,
		},
		{
			name:         "any -> ERROR never notifies",
			prior:        alertstate.State{CurrentStatus: alertstate.StatusAlert, ConsecutiveAlerts: 3},
			newStatus:    alertstate.StatusError,
			wantDecision: decisionNone,
			wantStatus:   alertstate.StatusError,
			wantConsecAlerts: 3,
		},
		{
			name:             "ERROR -> ALERT behaves like UNKNOWN -> ALERT",
			prior:            alertstate.State{CurrentStatus: alertstate.StatusError, ConsecutiveAlerts: 7},
			newStatus:        alertstate.StatusAlert,
			wantDecision:     decisionNotify,
			wantStatus:       alertstate.StatusAlert,
			wantConsecAlerts: 1,
		},
		{
			name:          "ERROR -> OK behaves like UNKNOWN -> OK",
			prior:         alertstate.State{CurrentStatus: alertstate.StatusError, ConsecutiveAlerts: 7},
			newStatus:     alertstate.StatusOK,
			wantDecision:  decisionNone,
			wantStatus:    alertstate.StatusOK,
			wantConsecOKs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, next := transition(tt.prior, tt.newStatus, now)
			assert.Equal(t, tt.wantDecision, decision)
			assert.Equal(t, tt.wantStatus, next.CurrentStatus)
			assert.Equal(t, tt.wantConsecAlerts, next.ConsecutiveAlerts)
			assert.Equal(t, tt.wantConsecOKs, next.ConsecutiveOKs)
		})
	}
}

func TestTransitionSetsLastAlertAtOnlyOnNewAlert(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, next := transition(alertstate.State{CurrentStatus: alertstate.StatusUnknown}, alertstate.StatusAlert, now)
	assert.Equal(t, now, next.LastAlertAt)

	priorAlertAt := now.Add(-time.Hour)
	_, next = transition(alertstate.State{CurrentStatus: alertstate.StatusAlert, LastAlertAt: priorAlertAt}, alertstate.StatusAlert, now)
	assert.Equal(t, priorAlertAt, next.LastAlertAt, "a repeated ALERT must not bump last_alert_at")
}
