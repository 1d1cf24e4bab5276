// Package notifier defines the Notifier contract and the rendered message
// shape, and fans a single rendered message out to every target declared on
// an alert.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// Message is the channel-neutral payload every Sender renders into its own
// wire format.
type Message struct {
	AlertName   string
	Status      string // "ALERT" or "OK"
	ActualValue *float64
	Threshold   *float64
	Timestamp   time.Time
	Context     map[string]string
}

// SortedContextKeys returns Context's keys sorted, for senders whose
// rendering is defined as "sorted context keys" .
func (m Message) SortedContextKeys() []string {
	keys := make([]string, 0, len(m.Context))
	for k := range m.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sender delivers a rendered Message to one target variant. attempts is the
// number of delivery attempts actually made (including the successful one,
// if any), so callers can record notifications_attempted accurately even on
// failure.
type Sender interface {
	Send(ctx context.Context, target alertdef.NotificationTarget, msg Message) (attempts int, err error)
}

// Fanout dispatches msg to every target, concurrently, joining results
// before returning. Failure of one target never cancels the others.
type Fanout struct {
	senders map[alertdef.Channel]Sender
}

func NewFanout(senders map[alertdef.Channel]Sender) *Fanout {
	return &Fanout{senders: senders}
}

// Result is the per-target outcome of one fan-out.
type Result struct {
	Target   alertdef.NotificationTarget
	Attempts int
	Err      error
}

// Send dispatches msg to every target in targets, in declared order but
// concurrently, and returns one Result per target in the same order.
func (f *Fanout) Send(ctx context.Context, targets []alertdef.NotificationTarget, msg Message) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			sender, ok := f.senders[target.Channel]
			if !ok {
				results[i] = Result{Target: target, Err: fmt.Errorf("notifier: no sender registered for channel %q", target.Channel)}
				return nil
			}
			attempts, err := sender.Send(ctx, target, msg)
			results[i] = Result{Target: target, Attempts: attempts, Err: err}
			return nil // never fail the group: one target's failure must not cancel siblings
		})
	}
	_ = g.Wait()
	return results
}

// Summarize counts attempts and failures across a fan-out, for the
// ExecutionRecord's notifications_attempted/notifications_failed fields.
func Summarize(results []Result) (attempted, failed int) {
	for _, r := range results {
		attempted += max(r.Attempts, 1)
		if r.Err != nil {
			failed++
		}
	}
	return attempted, failed
}

// renderContextBlock formats Context as a structured text block with sorted
// keys, shared by Email and other text-rendering senders.
func renderContextBlock(msg Message) string {
	var b strings.Builder
	for _, k := range msg.SortedContextKeys() {
		fmt.Fprintf(&b, "%s: %s\n", k, msg.Context[k])
	}
	return b.String()
}
