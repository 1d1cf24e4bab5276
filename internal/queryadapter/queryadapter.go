// Package queryadapter defines the Adapter contract and the factory that
// resolves a connection-string scheme to a concrete backend family.
package queryadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/queryadapter/circuit"
)

// Row is one result row, column name to typed value (int64, float64, string,
// bool, time.Time, or nil).
type Row map[string]any

// Kind classifies the adapter error returned from Execute/DryRun, letting
// the Executor pick the ExecutionRecord's error kind without string
// matching.
type Kind = alertstate.ErrorKind

// Error wraps an adapter failure with its taxonomy kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// ErrDryRunUnsupported is returned by DryRun for backends with no cost
// estimation primitive.
var ErrDryRunUnsupported = fmt.Errorf("queryadapter: dry run unsupported by this backend")

// ErrCircuitOpen is returned by Execute/DryRun when ref's breaker has
// tripped and its backoff hasn't elapsed yet.
var ErrCircuitOpen = fmt.Errorf("queryadapter: circuit open")

// Adapter is the contract every query backend implements.
type Adapter interface {
	// Execute runs sql against ref and streams the result into memory.
	// Non-SELECT statements are rejected as CONTRACT_VIOLATION before the
	// round-trip.
	Execute(ctx context.Context, ref string, sql string) ([]Row, error)
	// DryRun estimates bytes scanned without executing. Returns
	// ErrDryRunUnsupported when the backend can't estimate.
	DryRun(ctx context.Context, ref string, sql string) (estimatedBytes int64, err error)
	// Close releases every pooled connection held for ref, or all of them
	// when ref is empty.
	Close(ref string) error
}

// Family constructs an Adapter for connection strings whose scheme it owns.
type Family interface {
	// Owns reports whether this family handles the given scheme (e.g. "postgres").
	Owns(scheme string) bool
	// Adapter returns (creating if necessary) the shared adapter for this family.
	Adapter() Adapter
}

// Registry resolves a connection string's scheme to the Adapter responsible
// for it: a factory keyed by provider tag, no shared base implementation,
// just interface satisfaction, chosen by asking each registered Family in
// turn whether it Owns the scheme.
type Registry struct {
	mu        sync.Mutex
	families  []Family
	resolved  map[string]resolvedRef // ref -> parsed connection info
	breakers  map[string]*circuit.Breaker
}

type resolvedRef struct {
	scheme string
	conn   string
}

func NewRegistry(families ...Family) *Registry {
	return &Registry{
		families: families,
		resolved: make(map[string]resolvedRef),
		breakers: make(map[string]*circuit.Breaker),
	}
}

// Register records the resolved connection string for ref, parsing its
// scheme eagerly so an unknown scheme fails fast at config-load time rather
// than at first execution.
func (r *Registry) Register(ref, connectionString string) error {
	scheme, _, found := strings.Cut(connectionString, "://")
	if !found {
		return fmt.Errorf("queryadapter: connection string for ref %q has no scheme", ref)
	}
	scheme = strings.ToLower(scheme)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.families {
		if f.Owns(scheme) {
			r.resolved[ref] = resolvedRef{scheme: scheme, conn: connectionString}
			if _, ok := r.breakers[ref]; !ok {
				r.breakers[ref] = circuit.NewBreaker(ref, circuit.DefaultConfig())
			}
			return nil
		}
	}
	return fmt.Errorf("queryadapter: unknown connection scheme %q for ref %q", scheme, ref)
}

// ConnectionString returns the connection string registered for ref.
func (r *Registry) ConnectionString(ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.resolved[ref]
	if !ok {
		return "", fmt.Errorf("queryadapter: ref %q not registered", ref)
	}
	return rr.conn, nil
}

// For returns the Adapter responsible for ref.
func (r *Registry) For(ref string) (Adapter, error) {
	r.mu.Lock()
	rr, ok := r.resolved[ref]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queryadapter: ref %q not registered", ref)
	}

	for _, f := range r.families {
		if f.Owns(rr.scheme) {
			return f.Adapter(), nil
		}
	}
	return nil, fmt.Errorf("queryadapter: no family owns scheme %q", rr.scheme)
}

// Execute resolves ref's family and runs sql through it, short-circuiting
// through ref's breaker so a database that's already failing isn't hit
// with a full round trip on every call.
func (r *Registry) Execute(ctx context.Context, ref string, sql string) ([]Row, error) {
	rr, err := r.connInfo(ref)
	if err != nil {
		return nil, err
	}
	b := r.breaker(ref)
	if b != nil && !b.Allow() {
		return nil, newError(alertstate.ErrorKindConnectivity, ErrCircuitOpen)
	}
	a, err := r.For(ref)
	if err != nil {
		return nil, err
	}
	rows, err := a.Execute(ctx, rr.conn, sql)
	r.recordBreakerOutcome(b, err)
	return rows, err
}

// DryRun resolves ref's family and runs a dry-run estimate through it,
// gated by the same breaker as Execute.
func (r *Registry) DryRun(ctx context.Context, ref string, sql string) (int64, error) {
	rr, err := r.connInfo(ref)
	if err != nil {
		return 0, err
	}
	b := r.breaker(ref)
	if b != nil && !b.Allow() {
		return 0, newError(alertstate.ErrorKindConnectivity, ErrCircuitOpen)
	}
	a, err := r.For(ref)
	if err != nil {
		return 0, err
	}
	bytes, err := a.DryRun(ctx, rr.conn, sql)
	r.recordBreakerOutcome(b, err)
	return bytes, err
}

func (r *Registry) breaker(ref string) *circuit.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[ref]
}

// recordBreakerOutcome counts CONNECTIVITY and TIMEOUT failures, and errors
// that carry no adapter kind, against the breaker; a CONTRACT_VIOLATION or
// bad query shouldn't open the circuit on a perfectly reachable database.
func (r *Registry) recordBreakerOutcome(b *circuit.Breaker, err error) {
	if b == nil {
		return
	}
	var adapterErr *Error
	if err == nil {
		b.RecordSuccess()
		return
	}
	if errors.As(err, &adapterErr) &&
		adapterErr.Kind != alertstate.ErrorKindConnectivity &&
		adapterErr.Kind != alertstate.ErrorKindTimeout {
		return
	}
	b.RecordFailure(err)
}

// BreakerStatus returns ref's circuit breaker status, for the health probe.
func (r *Registry) BreakerStatus(ref string) (circuit.Status, bool) {
	b := r.breaker(ref)
	if b == nil {
		return circuit.Status{}, false
	}
	return b.GetStatus(), true
}

func (r *Registry) connInfo(ref string) (resolvedRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.resolved[ref]
	if !ok {
		return resolvedRef{}, fmt.Errorf("queryadapter: ref %q not registered", ref)
	}
	return rr, nil
}

// CloseAll releases every connection pool held by every family.
func (r *Registry) CloseAll() {
	for _, f := range r.families {
		_ = f.Adapter().Close("")
	}
}
