package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err, "reopening an existing database must not fail on schema re-apply")
	require.NoError(t, s2.Close())
}

func TestLoadStateNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadState("missing")
	require.Error(t, err)
	var notFound *alertstate.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestSaveAndLoadStateRoundTrips(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	st := alertstate.State{
		Name:              "disk_full",
		CurrentStatus:     alertstate.StatusAlert,
		LastExecutionAt:   now,
		LastAlertAt:       now,
		ConsecutiveAlerts: 3,
		ConsecutiveOKs:    0,
	}
	require.NoError(t, s.SaveState(st))

	got, err := s.LoadState("disk_full")
	require.NoError(t, err)
	assert.Equal(t, st.Name, got.Name)
	assert.Equal(t, st.CurrentStatus, got.CurrentStatus)
	assert.Equal(t, st.ConsecutiveAlerts, got.ConsecutiveAlerts)
	assert.True(t, st.LastExecutionAt.Equal(got.LastExecutionAt))
}

func TestSaveStateUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveState(alertstate.State{Name: "x", CurrentStatus: alertstate.StatusOK, ConsecutiveOKs: 1}))
	require.NoError(t, s.SaveState(alertstate.State{Name: "x", CurrentStatus: alertstate.StatusAlert, ConsecutiveAlerts: 1}))

	got, err := s.LoadState("x")
	require.NoError(t, err)
	assert.Equal(t, alertstate.StatusAlert, got.CurrentStatus)
	assert.Equal(t, 1, got.ConsecutiveAlerts)
}

func TestAppendAndRecentHistoryOrdering(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "1", AlertName: "x", ExecutedAt: base, Outcome: alertstate.OutcomeOK, TriggeredBy: alertstate.TriggeredByCron}))
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "2", AlertName: "x", ExecutedAt: base.Add(time.Minute), Outcome: alertstate.OutcomeAlert, TriggeredBy: alertstate.TriggeredByCron}))
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "3", AlertName: "y", ExecutedAt: base.Add(2 * time.Minute), Outcome: alertstate.OutcomeOK, TriggeredBy: alertstate.TriggeredByCron}))

	records, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2", records[0].ID, "most recent record for the name must come first")
	assert.Equal(t, "1", records[1].ID)

	all, err := s.RecentHistory("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecentHistoryPreservesNullableColumns(t *testing.T) {
	s := openTestStore(t)
	v := 42.5
	require.NoError(t, s.AppendHistory(alertstate.Record{
		ID: "1", AlertName: "x", ExecutedAt: time.Now(), Outcome: alertstate.OutcomeAlert,
		ActualValue: &v, TriggeredBy: alertstate.TriggeredByCron,
	}))
	require.NoError(t, s.AppendHistory(alertstate.Record{
		ID: "2", AlertName: "x", ExecutedAt: time.Now().Add(time.Minute), Outcome: alertstate.OutcomeOK,
		TriggeredBy: alertstate.TriggeredByCron,
	}))

	records, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var withValue, withoutValue *alertstate.Record
	for i := range records {
		if records[i].ID == "1" {
			withValue = &records[i]
		} else {
			withoutValue = &records[i]
		}
	}
	require.NotNil(t, withValue)
	require.NotNil(t, withoutValue)
	require.NotNil(t, withValue.ActualValue)
	assert.Equal(t, 42.5, *withValue.ActualValue)
	assert.Nil(t, withoutValue.ActualValue)
}

func TestSilenceAndUnsilence(t *testing.T) {
	s := openTestStore(t)
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
	s := openTestStore(t)
	require.NoError(t, s.SaveState(alertstate.State{Name: "x", CurrentStatus: alertstate.StatusAlert}))
	require.NoError(t, s.SaveState(alertstate.State{Name: "y", CurrentStatus: alertstate.StatusOK}))
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "1", AlertName: "x", ExecutedAt: time.Now(), Outcome: alertstate.OutcomeAlert, TriggeredBy: alertstate.TriggeredByCron}))
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "2", AlertName: "y", ExecutedAt: time.Now(), Outcome: alertstate.OutcomeOK, TriggeredBy: alertstate.TriggeredByCron}))

	require.NoError(t, s.Purge("x"))

	_, err := s.LoadState("x")
	assert.ErrorAs(t, err, new(*alertstate.ErrNotFound))

	st, err := s.LoadState("y")
	require.NoError(t, err, "purging x must not touch y's state")
	assert.Equal(t, alertstate.StatusOK, st.CurrentStatus)

	xHistory, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	assert.Empty(t, xHistory)

	yHistory, err := s.RecentHistory("y", 10)
	require.NoError(t, err)
	assert.Len(t, yHistory, 1, "purging x must not touch y's history")
}

func TestHealthReportsOK(t *testing.T) {
	s := openTestStore(t)
	health := s.Health()
	assert.True(t, health.OK)
	assert.Empty(t, health.Error)
}

func TestCleanOldEntriesRemovesOnlyStaleRows(t *testing.T) {
	s := openTestStore(t)
	stale := time.Now().AddDate(0, 0, -(MaxHistoryDays + 5))
	fresh := time.Now().Add(-time.Hour)
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "stale", AlertName: "x", ExecutedAt: stale, Outcome: alertstate.OutcomeOK, TriggeredBy: alertstate.TriggeredByCron}))
	require.NoError(t, s.AppendHistory(alertstate.Record{ID: "fresh", AlertName: "x", ExecutedAt: fresh, Outcome: alertstate.OutcomeOK, TriggeredBy: alertstate.TriggeredByCron}))

	s.cleanOldEntries()

	records, err := s.RecentHistory("x", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].ID)
}
