// Package bigquery implements the cloud-warehouse Query Adapter family. It
// is the one backend that actually satisfies the DryRun contract: BigQuery's
// native dry-run job returns TotalBytesProcessed without scanning data.
package bigquery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/queryadapter"
)

const MaxRows = 10_000

type Family struct {
	once    sync.Once
	adapter *Adapter
}

func (f *Family) Owns(scheme string) bool { return scheme == "bigquery" }

func (f *Family) Adapter() queryadapter.Adapter {
	f.once.Do(func() {
		f.adapter = &Adapter{clients: make(map[string]clientEntry)}
	})
	return f.adapter
}

// Adapter pools one *bigquery.Client per distinct connection string.
// Connection strings look like bigquery://project/dataset?credentials=PATH.
type Adapter struct {
	mu      sync.Mutex
	clients map[string]clientEntry
}

type clientEntry struct {
	client  *bigquery.Client
	project string
}

func (a *Adapter) client(ctx context.Context, connectionString string) (clientEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[connectionString]; ok {
		return c, nil
	}

	project, credentialsPath, err := parse(connectionString)
	if err != nil {
		return clientEntry{}, err
	}

	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return clientEntry{}, fmt.Errorf("bigquery: new client for project %s: %w", project, err)
	}

	entry := clientEntry{client: client, project: project}
	a.clients[connectionString] = entry
	return entry, nil
}

// parse extracts the GCP project and an optional credentials file path from
// a bigquery:// connection string. The resolved credentials file path comes
// from the Credential Resolver at config load time, so by the time it
// reaches here it is already a concrete filesystem path, not a reference.
func parse(connectionString string) (project, credentialsPath string, err error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", "", fmt.Errorf("bigquery: invalid connection string: %w", err)
	}
	project = u.Host
	if project == "" {
		return "", "", fmt.Errorf("bigquery: connection string missing project host")
	}
	credentialsPath = u.Query().Get("credentials")
	return project, credentialsPath, nil
}

func (a *Adapter) Execute(ctx context.Context, connectionString string, sql string) ([]queryadapter.Row, error) {
	if !isSelect(sql) {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindContractViolation,
			Err: fmt.Errorf("bigquery: only SELECT/WITH statements are accepted")}
	}

	entry, err := a.client(ctx, connectionString)
	if err != nil {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindConnectivity, Err: err}
	}

	q := entry.client.Query(sql)
	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify(err)
	}

	var out []queryadapter.Row
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if len(out) >= MaxRows {
			return nil, &queryadapter.Error{Kind: alertstate.ErrorKindResultTooLarge,
				Err: fmt.Errorf("bigquery: result exceeds %d rows", MaxRows)}
		}
		out = append(out, toRow(row))
	}
	return out, nil
}

// DryRun runs the query with DryRun set, which BigQuery resolves without
// scanning any data, returning the bytes it would have processed.
func (a *Adapter) DryRun(ctx context.Context, connectionString string, sql string) (int64, error) {
	entry, err := a.client(ctx, connectionString)
	if err != nil {
		return 0, &queryadapter.Error{Kind: alertstate.ErrorKindConnectivity, Err: err}
	}

	q := entry.client.Query(sql)
	q.DryRun = true
	job, err := q.Run(ctx)
	if err != nil {
		return 0, classify(err)
	}

	status := job.LastStatus()
	details, ok := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !ok {
		return 0, &queryadapter.Error{Kind: alertstate.ErrorKindQueryError,
			Err: fmt.Errorf("bigquery: dry run returned no query statistics")}
	}
	return details.TotalBytesProcessed, nil
}

func (a *Adapter) Close(ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref != "" {
		if entry, ok := a.clients[ref]; ok {
			delete(a.clients, ref)
			return entry.client.Close()
		}
		return nil
	}

	var firstErr error
	for key, entry := range a.clients {
		if err := entry.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.clients, key)
	}
	return firstErr
}

func classify(err error) *queryadapter.Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "context deadline"):
		return &queryadapter.Error{Kind: alertstate.ErrorKindTimeout, Err: err}
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "could not connect"):
		return &queryadapter.Error{Kind: alertstate.ErrorKindConnectivity, Err: err}
	default:
		return &queryadapter.Error{Kind: alertstate.ErrorKindQueryError, Err: err}
	}
}

func isSelect(query string) bool {
	trimmed := strings.TrimSpace(query)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToUpper(fields[0])
	return first == "SELECT" || first == "WITH"
}

func toRow(v map[string]bigquery.Value) queryadapter.Row {
	row := make(queryadapter.Row, len(v))
	for k, val := range v {
		row[k] = val
	}
	return row
}
