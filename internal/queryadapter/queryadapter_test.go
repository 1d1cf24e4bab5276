package queryadapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsql/sqlalertd/internal/queryadapter"
)

type stubAdapter struct {
	closed []string
	err    error
}

func (a *stubAdapter) Execute(ctx context.Context, ref, sql string) ([]queryadapter.Row, error) {
	if a.err != nil {
		return nil, a.err
	}
	return []queryadapter.Row{{"status": "OK"}}, nil
}
func (a *stubAdapter) DryRun(ctx context.Context, ref, sql string) (int64, error) { return 42, nil }
func (a *stubAdapter) Close(ref string) error {
	a.closed = append(a.closed, ref)
	return nil
}

type stubFamily struct {
	scheme  string
	adapter *stubAdapter
}

func (f *stubFamily) Owns(scheme string) bool                 { return scheme == f.scheme }
func (f *stubFamily) Adapter() queryadapter.Adapter            { return f.adapter }

func TestRegisterUnknownSchemeFails(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	err := reg.Register("primary", "mysql://example")
	assert.Error(t, err)
}

func TestRegisterMissingSchemeSeparatorFails(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	err := reg.Register("primary", "not-a-connection-string")
	assert.Error(t, err)
}

func TestRegisterThenExecuteDelegatesToOwningFamily(t *testing.T) {
	adapter := &stubAdapter{}
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: adapter})
	require.NoError(t, reg.Register("primary", "postgres://example/db"))

	rows, err := reg.Execute(context.Background(), "primary", "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "OK", rows[0]["status"])
}

func TestExecuteUnregisteredRefFails(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	_, err := reg.Execute(context.Background(), "missing", "SELECT 1")
	assert.Error(t, err)
}

func TestDryRunDelegatesToOwningFamily(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	require.NoError(t, reg.Register("primary", "postgres://example/db"))

	bytes, err := reg.DryRun(context.Background(), "primary", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), bytes)
}

func TestConnectionStringReturnsRegisteredValue(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	require.NoError(t, reg.Register("primary", "postgres://example/db"))

	conn, err := reg.ConnectionString("primary")
	require.NoError(t, err)
	assert.Equal(t, "postgres://example/db", conn)
}

func TestExecuteOpensBreakerAfterRepeatedFailuresThenShortCircuits(t *testing.T) {
	adapter := &stubAdapter{err: errors.New("dial tcp: connection refused")}
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: adapter})
	require.NoError(t, reg.Register("primary", "postgres://example/db"))

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = reg.Execute(context.Background(), "primary", "SELECT 1")
		require.Error(t, lastErr)
	}

	status, ok := reg.BreakerStatus("primary")
	require.True(t, ok)
	assert.Equal(t, "open", status.State)

	adapter.err = nil
	_, err := reg.Execute(context.Background(), "primary", "SELECT 1")
	assert.ErrorIs(t, err, queryadapter.ErrCircuitOpen, "an open breaker must short-circuit even once the backend recovers, until its backoff elapses")
}

func TestBreakerStatusUnknownRefReportsNotFound(t *testing.T) {
	reg := queryadapter.NewRegistry(&stubFamily{scheme: "postgres", adapter: &stubAdapter{}})
	_, ok := reg.BreakerStatus("never-registered")
	assert.False(t, ok)
}

func TestCloseAllClosesEveryFamilysAdapter(t *testing.T) {
	a1 := &stubAdapter{}
	a2 := &stubAdapter{}
	reg := queryadapter.NewRegistry(
		&stubFamily{scheme: "postgres", adapter: a1},
		&stubFamily{scheme: "mysql", adapter: a2},
	)
	reg.CloseAll()
	assert.Equal(t, []string{""}, a1.closed)
	assert.Equal(t, []string{""}, a2.closed)
}
