package bigquery

import (
	"errors"
	"testing"

	gobigquery "cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	project, credentials, err := parse("bigquery://my-project/mydataset?credentials=/etc/gcp/sa.json")
	require.NoError(t, err)
	assert.Equal(t, "my-project", project)
	assert.Equal(t, "/etc/gcp/sa.json", credentials)
}

func TestParseWithoutCredentials(t *testing.T) {
	project, credentials, err := parse("bigquery://my-project/mydataset")
	require.NoError(t, err)
	assert.Equal(t, "my-project", project)
	assert.Empty(t, credentials)
}

func TestParseMissingProjectFails(t *testing.T) {
	_, _, err := parse("bigquery:///mydataset")
	assert.Error(t, err)
}

func TestIsSelect(t *testing.T) {
	assert.True(t, isSelect("SELECT 1"))
	assert.True(t, isSelect("  with x as (select 1) select * from x"))
	assert.False(t, isSelect("DELETE FROM t"))
	assert.False(t, isSelect(""))
}

func TestToRowCopiesAllColumns(t *testing.T) {
	src := map[string]gobigquery.Value{"status": "ALERT", "count": int64(3)}
	row := toRow(src)
	assert.Equal(t, "ALERT", row["status"])
	assert.Equal(t, int64(3), row["count"])
	assert.Len(t, row, 2)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"deadline exceeded", errors.New("context deadline exceeded"), "TIMEOUT"},
		{"unavailable", errors.New("rpc error: code = Unavailable desc = could not connect"), "CONNECTIVITY"},
		{"generic error", errors.New("invalid query syntax"), "QUERY_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.kind, string(got.Kind))
		})
	}
}
