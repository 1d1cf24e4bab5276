// Package sqlfamily implements the generic relational Query Adapter family:
// any database/sql driver reachable through a connection string, currently
// Postgres (pgx) and MySQL. Dry-run cost estimation is UNSUPPORTED here —
// there's no portable estimation primitive across both drivers.
package sqlfamily

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/queryadapter"
)

// MaxRows and MaxResultBytes bound how much of a result set Execute will
// materialize before refusing with RESULT_TOO_LARGE.
const (
	MaxRows        = 10_000
	MaxResultBytes = 8 * 1024 * 1024
)

// Family owns the postgres and mysql schemes.
type Family struct {
	once    sync.Once
	adapter *Adapter
}

func (f *Family) Owns(scheme string) bool {
	switch scheme {
	case "postgres", "postgresql", "mysql":
		return true
	default:
		return false
	}
}

func (f *Family) Adapter() queryadapter.Adapter {
	f.once.Do(func() {
		f.adapter = &Adapter{pools: make(map[string]*sql.DB)}
	})
	return f.adapter
}

// Adapter pools one *sql.DB per distinct connection string, shared across
// every alert that references it.
type Adapter struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

func (a *Adapter) pool(connectionString string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if db, ok := a.pools[connectionString]; ok {
		return db, nil
	}

	driver, dsn, err := driverAndDSN(connectionString)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlfamily: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	a.pools[connectionString] = db
	return db, nil
}

func driverAndDSN(connectionString string) (driver, dsn string, err error) {
	scheme, rest, found := strings.Cut(connectionString, "://")
	if !found {
		return "", "", fmt.Errorf("sqlfamily: connection string has no scheme")
	}
	switch scheme {
	case "postgres", "postgresql":
		return "pgx", connectionString, nil
	case "mysql":
		// go-sql-driver/mysql wants the DSN without the scheme prefix.
		return "mysql", rest, nil
	default:
		return "", "", fmt.Errorf("sqlfamily: unsupported scheme %q", scheme)
	}
}

func (a *Adapter) Execute(ctx context.Context, connectionString string, query string) ([]queryadapter.Row, error) {
	if !isSelect(query) {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindContractViolation,
			Err: fmt.Errorf("sqlfamily: only SELECT statements are accepted")}
	}

	db, err := a.pool(connectionString)
	if err != nil {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindConnectivity, Err: err}
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		kind := alertstate.ErrorKindQueryError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = alertstate.ErrorKindTimeout
		} else if isConnErr(err) {
			kind = alertstate.ErrorKindConnectivity
		}
		return nil, &queryadapter.Error{Kind: kind, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindQueryError, Err: err}
	}

	var out []queryadapter.Row
	approxBytes := 0
	for rows.Next() {
		if len(out) >= MaxRows {
			return nil, &queryadapter.Error{Kind: alertstate.ErrorKindResultTooLarge,
				Err: fmt.Errorf("sqlfamily: result exceeds %d rows", MaxRows)}
		}

		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &queryadapter.Error{Kind: alertstate.ErrorKindQueryError, Err: err}
		}

		row := make(queryadapter.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
			approxBytes += estimateSize(col, vals[i])
		}
		if approxBytes > MaxResultBytes {
			return nil, &queryadapter.Error{Kind: alertstate.ErrorKindResultTooLarge,
				Err: fmt.Errorf("sqlfamily: result exceeds %d bytes", MaxResultBytes)}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &queryadapter.Error{Kind: alertstate.ErrorKindQueryError, Err: err}
	}
	return out, nil
}

func (a *Adapter) DryRun(ctx context.Context, connectionString string, query string) (int64, error) {
	return 0, queryadapter.ErrDryRunUnsupported
}

func (a *Adapter) Close(ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref != "" {
		if db, ok := a.pools[ref]; ok {
			delete(a.pools, ref)
			return db.Close()
		}
		return nil
	}

	var firstErr error
	for key, db := range a.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.pools, key)
	}
	return firstErr
}

// isSelect rejects DDL/DML at the adapter boundary.
func isSelect(query string) bool {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimPrefix(trimmed, "(")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToUpper(fields[0])
	return first == "SELECT" || first == "WITH"
}

func isConnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}

func estimateSize(col string, v any) int {
	switch t := v.(type) {
	case []byte:
		return len(col) + len(t)
	case string:
		return len(col) + len(t)
	default:
		return len(col) + 8
	}
}
