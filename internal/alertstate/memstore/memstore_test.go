package memstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

func TestLoadStateNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadState("missing")
	require.Error(t, err)
	var notFound *alertstate.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestSaveAndLoadStateRoundTrips(t *testing.T) {
	s := New()
	st := alertstate.State{Name: "x", CurrentStatus: alertstate.StatusAlert, ConsecutiveAlerts: 3}
	require.NoError(t, s.SaveState(st))

	got, err := s.LoadState("x")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestAppendAndRecentHistoryOrdering(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "x", ExecutedAt: base}))
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "x", ExecutedAt: base.Add(time.Hour)}))
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "y", ExecutedAt: base.Add(2 * time.Hour)}))

	records, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].ExecutedAt.After(records[1].ExecutedAt), "most recent record must come first")

	all, err := s.RecentHistory("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecentHistoryLimit(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "x", ExecutedAt: time.Now().Add(time.Duration(i) * time.Minute)}))
	}
	records, err := s.RecentHistory("x", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSilenceAndUnsilence(t *testing.T) {
	s := New()
	until := time.Now().Add(time.Hour)
	require.NoError(t, s.Silence("x", until))

	st, err := s.LoadState("x")
	require.NoError(t, err)
	assert.True(t, st.Silenced(time.Now()))

	require.NoError(t, s.Unsilence("x"))
	st, err = s.LoadState("x")
	require.NoError(t, err)
	assert.False(t, st.Silenced(time.Now()))
}

func TestPurgeDeletesStateAndHistoryForNameOnly(t *testing.T) {
	s := New()
	require.NoError(t, s.SaveState(alertstate.State{Name: "x", CurrentStatus: alertstate.StatusAlert}))
	require.NoError(t, s.SaveState(alertstate.State{Name: "y", CurrentStatus: alertstate.StatusOK}))
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "x", ExecutedAt: time.Now()}))
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "y", ExecutedAt: time.Now()}))

	require.NoError(t, s.Purge("x"))

	_, err := s.LoadState("x")
	var notFound *alertstate.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = s.LoadState("y")
	assert.NoError(t, err, "purging x must not touch y's state")

	xHistory, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	assert.Empty(t, xHistory)

	yHistory, err := s.RecentHistory("y", 10)
	require.NoError(t, err)
	assert.Len(t, yHistory, 1, "purging x must not touch y's history")
}

func TestHistoryCloneIsIndependent(t *testing.T) {
	s := New()
	v := 5.0
	require.NoError(t, s.AppendHistory(alertstate.Record{AlertName: "x", ActualValue: &v}))

	records, err := s.RecentHistory("x", 1)
	require.NoError(t, err)
	*records[0].ActualValue = 999

	records2, err := s.RecentHistory("x", 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, *records2[0].ActualValue, "stored history must not be mutable through a returned clone")
}
