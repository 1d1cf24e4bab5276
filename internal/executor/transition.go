package executor

import (
	"time"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

type decisionKind int

const (
	decisionNone decisionKind = iota
	decisionNotify
)

// transition implements the notification decision table: ERROR states
// never notify themselves (swallowed), and an ERROR->OK or ERROR->ALERT
// transition is treated like an edge from UNKNOWN.
func transition(prior alertstate.State, newStatus alertstate.Status, now time.Time) (decisionKind, alertstate.State) {
	next := prior
	next.Name = prior.Name
	next.CurrentStatus = newStatus

	effectivePrior := prior.CurrentStatus
	if effectivePrior == alertstate.StatusError {
		effectivePrior = alertstate.StatusUnknown
	}

	switch {
	case newStatus == alertstate.StatusError:
		// any -> ERROR: no notification, counters unchanged.
		next.ConsecutiveAlerts = prior.ConsecutiveAlerts
		next.ConsecutiveOKs = prior.ConsecutiveOKs
		return decisionNone, next

	case newStatus == alertstate.StatusOK && (effectivePrior == alertstate.StatusUnknown || effectivePrior == alertstate.StatusOK):
		next.ConsecutiveOKs = prior.ConsecutiveOKs + 1
		next.ConsecutiveAlerts = 0
		return decisionNone, next

	case newStatus == alertstate.StatusAlert && (effectivePrior == alertstate.StatusUnknown || effectivePrior == alertstate.StatusOK):
		next.ConsecutiveAlerts = 1
		next.ConsecutiveOKs = 0
		next.LastAlertAt = now
		return decisionNotify, next

	case newStatus == alertstate.StatusAlert && effectivePrior == alertstate.StatusAlert:
		next.ConsecutiveAlerts = prior.ConsecutiveAlerts + 1
		return decisionNone, next

	case newStatus == alertstate.StatusOK && effectivePrior == alertstate.StatusAlert:
		next.ConsecutiveOKs = 1
		next.ConsecutiveAlerts = 0
		return decisionNotify, next

	default:
		return decisionNone, next
	}
}
