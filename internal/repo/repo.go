package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"ingestledger/internal/db"
)

// Repo holds every query against the record store. Methods ending in Tx run
// inside the caller's transaction; the rest use the pool directly.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a write rejected by a unique index other than the
	// upsert's conflict target.
	ErrDuplicate = errors.New("duplicate key")
)

// New returns a Repo for conn speaking dialect.
func New(conn *sql.DB, dialect db.Dialect) Repo {
	if dialect == "" {
		dialect = db.SQLite
	}
	return Repo{DB: conn, Dialect: dialect}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) nullSafeEq(left, right string) string {
	return db.NullSafeEq(r.Dialect, left, right)
}

// BeginTx starts a transaction on the pool.
func (r Repo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.DB.BeginTx(ctx, nil)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanID(row *sql.Row) (int64, error) {
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}
