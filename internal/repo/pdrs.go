package repo

import (
	"context"
	"database/sql"
	"fmt"

	"ingestledger/internal/domain"
)

// UpsertPdrTx writes p keyed by name. A running write from the same execution
// that does not advance progress leaves the row untouched (written=false).
func (r Repo) UpsertPdrTx(ctx context.Context, tx *sql.Tx, p domain.Pdr) (id int64, written bool, err error) {
	query := `INSERT INTO pdrs(name,status,collection_cumulus_id,provider_cumulus_id,execution_cumulus_id,progress,pan_sent,pan_message,stats,duration,created_at,updated_at,timestamp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  status=excluded.status,
  collection_cumulus_id=excluded.collection_cumulus_id,
  provider_cumulus_id=excluded.provider_cumulus_id,
  execution_cumulus_id=COALESCE(excluded.execution_cumulus_id, pdrs.execution_cumulus_id),
  progress=excluded.progress,
  pan_sent=excluded.pan_sent,
  pan_message=COALESCE(excluded.pan_message, pdrs.pan_message),
  stats=excluded.stats,
  duration=COALESCE(excluded.duration, pdrs.duration),
  updated_at=excluded.updated_at,
  timestamp=excluded.timestamp
WHERE NOT (excluded.status='running'
  AND ` + r.nullSafeEq("pdrs.execution_cumulus_id", "excluded.execution_cumulus_id") + `
  AND COALESCE(excluded.progress, 0) <= COALESCE(pdrs.progress, 0))
RETURNING cumulus_id`
	err = tx.QueryRowContext(ctx, r.q(query),
		p.Name, p.Status, p.CollectionCumulusID, p.ProviderCumulusID, nullableInt64Ptr(p.ExecutionCumulusID),
		nullableFloatPtr(p.Progress), p.PanSent, nullableStringPtr(p.PanMessage), nullableJSON(p.Stats),
		nullableFloatPtr(p.Duration), p.CreatedAt, p.UpdatedAt, nullableInt64Ptr(p.Timestamp)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("upsert pdr %s: %w", p.Name, err)
	}
	return id, true, nil
}

func (r Repo) PdrCumulusIDTx(ctx context.Context, q Querier, name string) (int64, error) {
	return scanID(q.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM pdrs WHERE name=?`), name))
}

func (r Repo) PdrCumulusID(ctx context.Context, name string) (int64, error) {
	return r.PdrCumulusIDTx(ctx, r.DB, name)
}

func (r Repo) GetPdrByID(ctx context.Context, cumulusID int64) (domain.Pdr, error) {
	var (
		p                  domain.Pdr
		execution, ts      sql.NullInt64
		progress, duration sql.NullFloat64
		panMessage, stats  sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id,name,status,collection_cumulus_id,provider_cumulus_id,execution_cumulus_id,progress,pan_sent,pan_message,stats,duration,created_at,updated_at,timestamp
FROM pdrs WHERE cumulus_id=?`), cumulusID).Scan(&p.CumulusID, &p.Name, &p.Status, &p.CollectionCumulusID, &p.ProviderCumulusID,
		&execution, &progress, &p.PanSent, &panMessage, &stats, &duration, &p.CreatedAt, &p.UpdatedAt, &ts)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ExecutionCumulusID = int64Ptr(execution)
	p.Progress = floatPtr(progress)
	p.PanMessage = stringPtr(panMessage)
	p.Stats = rawJSON(stats)
	p.Duration = floatPtr(duration)
	p.Timestamp = int64Ptr(ts)
	return p, nil
}

func (r Repo) PdrNameByID(ctx context.Context, cumulusID int64) (string, error) {
	var name string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT name FROM pdrs WHERE cumulus_id=?`), cumulusID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}
