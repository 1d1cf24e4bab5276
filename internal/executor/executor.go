// Package executor implements the Alert Executor: the seven-step pipeline
// that turns one (AlertDefinition, trigger) pair into exactly one
// ExecutionRecord, never failing to return.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/notifier"
	"github.com/opsql/sqlalertd/internal/obsv"
	"github.com/opsql/sqlalertd/internal/queryadapter"
)

// DefaultQueryTimeout is used when a definition doesn't set its own.
const DefaultQueryTimeout = 120 * time.Second

// Executor has no package-level or receiver-level mutex: per-alert
// serialization is the Scheduler's job , which keeps this type
// stateless and re-entrant across distinct alert names.
type Executor struct {
	Store    alertstate.Store
	Adapters *queryadapter.Registry
	Fanout   *notifier.Fanout
	Metrics  *obsv.Metrics
}

func New(store alertstate.Store, adapters *queryadapter.Registry, fanout *notifier.Fanout, metrics *obsv.Metrics) *Executor {
	return &Executor{Store: store, Adapters: adapters, Fanout: fanout, Metrics: metrics}
}

// Options controls Execute's behavior; DryRun suppresses notification and
// persistence side effects (steps 5 and 6), used by the CLI's dry-run
// command; configuration loading does not run alerts.
type Options struct {
	DryRun bool
}

// Execute runs the query, classifies the outcome, transitions alert state,
// dispatches notifications, and always returns a populated record; it
// never returns an error to its caller.
func (e *Executor) Execute(ctx context.Context, def alertdef.Definition, triggeredBy alertstate.TriggeredBy, opts Options) alertstate.Record {
	executedAt := monotonicNow()
	record := alertstate.Record{
		ID:          ulid.Make().String(),
		AlertName:   def.Name,
		ExecutedAt:  executedAt,
		QueryText:   def.Query,
		TriggeredBy: triggeredBy,
	}

	prior, err := e.Store.LoadState(def.Name)
	if err != nil {
		if _, ok := err.(*alertstate.ErrNotFound); !ok {
			log.Error().Err(err).Str("alert", def.Name).Msg("failed to load prior alert state")
		}
		prior = alertstate.State{Name: def.Name, CurrentStatus: alertstate.StatusUnknown}
	}

	// Step 1: silence pre-check.
	if prior.Silenced(executedAt) {
		record.Outcome = alertstate.OutcomeSkipped
		record.ErrorKind = alertstate.ErrorKindSkippedSilenced
		record.DurationMS = time.Since(executedAt).Milliseconds()
		if !opts.DryRun {
			prior.LastExecutionAt = executedAt
			e.persist(record, prior)
		}
		e.recordMetrics(def.Name, record)
		return record
	}

	// Step 2: run query under a per-alert deadline.
	timeout := def.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	rows, queryErr := e.Adapters.Execute(queryCtx, def.DatabaseRef, def.Query)
	cancel()

	var newStatus alertstate.Status
	var actualValue, threshold *float64
	var contextJSON string

	switch {
	case ctx.Err() == context.Canceled:
		record.Outcome = alertstate.OutcomeError
		record.ErrorKind = alertstate.ErrorKindCancelled
		record.ErrorMessage = "execution cancelled"
		newStatus = alertstate.StatusError

	case queryErr != nil:
		record.Outcome = alertstate.OutcomeError
		record.ErrorKind = classifyAdapterErr(queryErr)
		record.ErrorMessage = queryErr.Error()
		newStatus = alertstate.StatusError

	default:
		// Step 3: validate contract.
		status, av, th, ctxJSON, contractErr := validateContract(rows)
		if contractErr != nil {
			record.Outcome = alertstate.OutcomeError
			record.ErrorKind = alertstate.ErrorKindContractViolation
			record.ErrorMessage = contractErr.Error()
			newStatus = alertstate.StatusError
		} else {
			newStatus = status
			actualValue = av
			threshold = th
			contextJSON = ctxJSON
			if status == alertstate.StatusAlert {
				record.Outcome = alertstate.OutcomeAlert
			} else {
				record.Outcome = alertstate.OutcomeOK
			}
		}
	}

	record.ActualValue = actualValue
	record.Threshold = threshold
	record.ContextJSON = contextJSON

	// Step 4: compute transition / notification decision.
	decision, next := transition(prior, newStatus, executedAt)

	// Step 5: fan-out, if the decision says to notify.
	if decision == decisionNotify && !opts.DryRun && len(def.Notify) > 0 {
		msg := notifier.Message{
			AlertName:   def.Name,
			Status:      string(newStatus),
			ActualValue: actualValue,
			Threshold:   threshold,
			Timestamp:   executedAt,
			Context:     contextMap(contextJSON),
		}
		results := e.Fanout.Send(ctx, def.Notify, msg)
		attempted, failed := notifier.Summarize(results)
		record.NotificationsAttempted = attempted
		record.NotificationsFailed = failed
		if failed > 0 && record.ErrorKind == alertstate.ErrorKindNone {
			record.ErrorKind = alertstate.ErrorKindNotificationFailed
		}
		e.recordNotificationMetrics(results)
	}

	record.DurationMS = time.Since(executedAt).Milliseconds()

	// Step 6: persist (history first, then state), unless dry-run.
	if !opts.DryRun {
		next.LastExecutionAt = executedAt
		e.persist(record, next)
	}

	e.recordMetrics(def.Name, record)
	return record
}

// persist writes the history record before the state upsert, so a crash
// between the two can't lose an execution record (the isolation
// rule when the backend can't make both atomic).
func (e *Executor) persist(record alertstate.Record, state alertstate.State) {
	if err := e.Store.AppendHistory(record); err != nil {
		log.Error().Err(err).Str("alert", record.AlertName).Msg("failed to append execution history")
	}
	if err := e.Store.SaveState(state); err != nil {
		log.Error().Err(err).Str("alert", record.AlertName).Msg("failed to save alert state")
	}
}

func (e *Executor) recordMetrics(name string, record alertstate.Record) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.ObserveExecution(name, string(record.Outcome), time.Duration(record.DurationMS)*time.Millisecond)
}

func (e *Executor) recordNotificationMetrics(results []notifier.Result) {
	if e.Metrics == nil {
		return
	}
	for _, r := range results {
		result := "success"
		if r.Err != nil {
			result = "failure"
		}
		e.Metrics.ObserveNotification(string(r.Target.Channel), result, 0)
	}
}

func classifyAdapterErr(err error) alertstate.ErrorKind {
	var adapterErr *queryadapter.Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	return alertstate.ErrorKindQueryError
}

// validateContract enforces the query contract:
// the first row must carry a status cell equal to ALERT or OK, case
// sensitive; everything else surfaces as context.
func validateContract(rows []queryadapter.Row) (status alertstate.Status, actualValue, threshold *float64, contextJSON string, err error) {
	if len(rows) == 0 {
		return "", nil, nil, "", fmt.Errorf("query returned zero rows")
	}
	first := rows[0]

	raw, ok := first["status"]
	if !ok {
		return "", nil, nil, "", fmt.Errorf("query result missing required 'status' column")
	}
	s, ok := raw.(string)
	if !ok || (s != "ALERT" && s != "OK") {
		return "", nil, nil, "", fmt.Errorf("'status' column must be exactly \"ALERT\" or \"OK\", got %v", raw)
	}
	status = alertstate.Status(s)

	actualValue = asFloat(first["actual_value"])
	threshold = asFloat(first["threshold"])

	context := make(map[string]any, len(first))
	for k, v := range first {
		if k == "status" || k == "actual_value" || k == "threshold" {
			continue
		}
		context[k] = v
	}
	b, marshalErr := json.Marshal(context)
	if marshalErr != nil {
		return "", nil, nil, "", fmt.Errorf("marshal context columns: %w", marshalErr)
	}
	return status, actualValue, threshold, string(b), nil
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	default:
		return nil
	}
}

func contextMap(contextJSON string) map[string]string {
	if contextJSON == "" {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// monotonicNow exists so Execute has one seam to stub in tests; in
// production it is just time.Now.
var monotonicNow = time.Now
