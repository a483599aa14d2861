package repo

import (
	"context"
	"database/sql"
	"fmt"

	"ingestledger/internal/db"
	"ingestledger/internal/domain"
)

const granuleInsert = `INSERT INTO granules(granule_id,collection_cumulus_id,status,published,duration,product_volume,time_to_process,time_to_archive,cmr_link,error,pdr_cumulus_id,provider_cumulus_id,execution_cumulus_id,beginning_date_time,ending_date_time,production_date_time,last_update_date_time,processing_start_date_time,processing_end_date_time,query_fields,created_at,updated_at,timestamp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(granule_id,collection_cumulus_id) DO UPDATE SET `

const granuleMerge = `status=excluded.status,
  published=excluded.published,
  duration=COALESCE(excluded.duration, granules.duration),
  product_volume=COALESCE(excluded.product_volume, granules.product_volume),
  time_to_process=COALESCE(excluded.time_to_process, granules.time_to_process),
  time_to_archive=COALESCE(excluded.time_to_archive, granules.time_to_archive),
  cmr_link=COALESCE(excluded.cmr_link, granules.cmr_link),
  error=excluded.error,
  pdr_cumulus_id=COALESCE(excluded.pdr_cumulus_id, granules.pdr_cumulus_id),
  provider_cumulus_id=COALESCE(excluded.provider_cumulus_id, granules.provider_cumulus_id),
  execution_cumulus_id=COALESCE(excluded.execution_cumulus_id, granules.execution_cumulus_id),
  beginning_date_time=COALESCE(excluded.beginning_date_time, granules.beginning_date_time),
  ending_date_time=COALESCE(excluded.ending_date_time, granules.ending_date_time),
  production_date_time=COALESCE(excluded.production_date_time, granules.production_date_time),
  last_update_date_time=COALESCE(excluded.last_update_date_time, granules.last_update_date_time),
  processing_start_date_time=COALESCE(excluded.processing_start_date_time, granules.processing_start_date_time),
  processing_end_date_time=COALESCE(excluded.processing_end_date_time, granules.processing_end_date_time),
  query_fields=COALESCE(excluded.query_fields, granules.query_fields),
  updated_at=excluded.updated_at,
  timestamp=excluded.timestamp`

// granuleStaleWrite is true when a terminal row would be overwritten by a
// non-terminal write from the same execution that is not newer.
func (r Repo) granuleStaleWrite() string {
	return `granules.status IN ('completed','failed')
  AND excluded.status NOT IN ('completed','failed')
  AND ` + r.nullSafeEq("granules.execution_cumulus_id", "excluded.execution_cumulus_id") + `
  AND excluded.timestamp <= granules.timestamp`
}

func granuleArgs(g domain.Granule) []any {
	return []any{
		g.GranuleID, g.CollectionCumulusID, g.Status, g.Published, nullableFloatPtr(g.Duration), nullableInt64Ptr(g.ProductVolume),
		nullableFloatPtr(g.TimeToProcess), nullableFloatPtr(g.TimeToArchive), nullableStringPtr(g.CmrLink), nullableJSON(g.Error),
		nullableInt64Ptr(g.PdrCumulusID), nullableInt64Ptr(g.ProviderCumulusID), nullableInt64Ptr(g.ExecutionCumulusID),
		nullableStringPtr(g.BeginningDateTime), nullableStringPtr(g.EndingDateTime), nullableStringPtr(g.ProductionDateTime),
		nullableStringPtr(g.LastUpdateDateTime), nullableStringPtr(g.ProcessingStartDateTime), nullableStringPtr(g.ProcessingEndDateTime),
		nullableJSON(g.QueryFields), g.CreatedAt, g.UpdatedAt, g.Timestamp,
	}
}

// UpsertGranuleTx writes g keyed by (granule_id, collection). With guard set
// the stale-write rule is evaluated by the store inside the same statement;
// written=false means the row was left untouched.
func (r Repo) UpsertGranuleTx(ctx context.Context, tx *sql.Tx, g domain.Granule, guard bool) (id int64, written bool, err error) {
	query := granuleInsert + granuleMerge
	if guard {
		query += "\nWHERE NOT (" + r.granuleStaleWrite() + ")"
	}
	query += "\nRETURNING cumulus_id"
	err = tx.QueryRowContext(ctx, r.q(query), granuleArgs(g)...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if db.IsUniqueViolation(err) {
		return 0, false, fmt.Errorf("upsert granule %s: %w: %v", g.GranuleID, ErrDuplicate, err)
	}
	if err != nil {
		return 0, false, fmt.Errorf("upsert granule %s: %w", g.GranuleID, err)
	}
	return id, true, nil
}

// MarkGranuleFailed records g as failed with g.Error, inserting it when absent.
// It bypasses the stale-write rule.
func (r Repo) MarkGranuleFailed(ctx context.Context, g domain.Granule) (int64, error) {
	g.Status = domain.StatusFailed
	query := granuleInsert + `status=excluded.status,
  error=excluded.error,
  updated_at=excluded.updated_at
RETURNING cumulus_id`
	id, err := scanID(r.DB.QueryRowContext(ctx, r.q(query), granuleArgs(g)...))
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("mark granule %s failed: %w: %v", g.GranuleID, ErrDuplicate, err)
	}
	if err != nil {
		return 0, fmt.Errorf("mark granule %s failed: %w", g.GranuleID, err)
	}
	return id, nil
}

func (r Repo) GranuleCumulusIDTx(ctx context.Context, q Querier, granuleID string, collectionCumulusID int64) (int64, error) {
	return scanID(q.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM granules WHERE granule_id=? AND collection_cumulus_id=?`), granuleID, collectionCumulusID))
}

func (r Repo) GranuleCumulusID(ctx context.Context, granuleID string, collectionCumulusID int64) (int64, error) {
	return r.GranuleCumulusIDTx(ctx, r.DB, granuleID, collectionCumulusID)
}

// GranuleCumulusIDByGranuleID resolves a granule regardless of collection.
func (r Repo) GranuleCumulusIDByGranuleID(ctx context.Context, granuleID string) (int64, error) {
	return scanID(r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM granules WHERE granule_id=? ORDER BY cumulus_id ASC LIMIT 1`), granuleID))
}

// ConflictingCollectionTx returns the collection another row with granuleID
// belongs to, if any.
func (r Repo) ConflictingCollectionTx(ctx context.Context, q Querier, granuleID string, collectionCumulusID int64) (int64, error) {
	return scanID(q.QueryRowContext(ctx, r.q(`SELECT collection_cumulus_id FROM granules WHERE granule_id=? AND collection_cumulus_id<>? LIMIT 1`), granuleID, collectionCumulusID))
}

const granuleColumns = `cumulus_id,granule_id,collection_cumulus_id,status,published,duration,product_volume,time_to_process,time_to_archive,cmr_link,error,pdr_cumulus_id,provider_cumulus_id,execution_cumulus_id,beginning_date_time,ending_date_time,production_date_time,last_update_date_time,processing_start_date_time,processing_end_date_time,query_fields,created_at,updated_at,timestamp`

func scanGranule(row rowScanner) (domain.Granule, error) {
	var (
		g                                      domain.Granule
		duration, toProcess, toArchive         sql.NullFloat64
		volume, pdr, provider, execution       sql.NullInt64
		cmrLink, errJSON, queryFields          sql.NullString
		beginning, ending, production, lastUpd sql.NullString
		procStart, procEnd                     sql.NullString
	)
	err := row.Scan(&g.CumulusID, &g.GranuleID, &g.CollectionCumulusID, &g.Status, &g.Published, &duration, &volume,
		&toProcess, &toArchive, &cmrLink, &errJSON, &pdr, &provider, &execution, &beginning, &ending, &production,
		&lastUpd, &procStart, &procEnd, &queryFields, &g.CreatedAt, &g.UpdatedAt, &g.Timestamp)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Duration = floatPtr(duration)
	g.ProductVolume = int64Ptr(volume)
	g.TimeToProcess = floatPtr(toProcess)
	g.TimeToArchive = floatPtr(toArchive)
	g.CmrLink = stringPtr(cmrLink)
	g.Error = rawJSON(errJSON)
	g.PdrCumulusID = int64Ptr(pdr)
	g.ProviderCumulusID = int64Ptr(provider)
	g.ExecutionCumulusID = int64Ptr(execution)
	g.BeginningDateTime = stringPtr(beginning)
	g.EndingDateTime = stringPtr(ending)
	g.ProductionDateTime = stringPtr(production)
	g.LastUpdateDateTime = stringPtr(lastUpd)
	g.ProcessingStartDateTime = stringPtr(procStart)
	g.ProcessingEndDateTime = stringPtr(procEnd)
	g.QueryFields = rawJSON(queryFields)
	return g, nil
}

func (r Repo) GetGranuleByID(ctx context.Context, cumulusID int64) (domain.Granule, error) {
	return scanGranule(r.DB.QueryRowContext(ctx, r.q(`SELECT `+granuleColumns+` FROM granules WHERE cumulus_id=?`), cumulusID))
}

func (r Repo) GetGranule(ctx context.Context, granuleID string, collectionCumulusID int64) (domain.Granule, error) {
	return scanGranule(r.DB.QueryRowContext(ctx, r.q(`SELECT `+granuleColumns+` FROM granules WHERE granule_id=? AND collection_cumulus_id=?`), granuleID, collectionCumulusID))
}

// UpsertGranuleExecutionTx links a granule to an execution; repeats are no-ops.
func (r Repo) UpsertGranuleExecutionTx(ctx context.Context, q Querier, link domain.GranuleExecution) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO granules_executions(granule_cumulus_id,execution_cumulus_id) VALUES (?,?)
ON CONFLICT(granule_cumulus_id,execution_cumulus_id) DO NOTHING`), link.GranuleCumulusID, link.ExecutionCumulusID)
	if err != nil {
		return fmt.Errorf("upsert granule execution: %w", err)
	}
	return nil
}

func (r Repo) UpsertGranuleExecution(ctx context.Context, link domain.GranuleExecution) error {
	return r.UpsertGranuleExecutionTx(ctx, r.DB, link)
}

// ListGranuleExecutions returns execution ids linked to a granule, oldest first.
func (r Repo) ListGranuleExecutions(ctx context.Context, granuleCumulusID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT execution_cumulus_id FROM granules_executions WHERE granule_cumulus_id=? ORDER BY execution_cumulus_id ASC`), granuleCumulusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ListExecutionGranuleIDs returns the granule ids an execution has touched.
func (r Repo) ListExecutionGranuleIDs(ctx context.Context, executionCumulusID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT g.granule_id FROM granules_executions ge
JOIN granules g ON g.cumulus_id=ge.granule_cumulus_id
WHERE ge.execution_cumulus_id=? ORDER BY g.granule_id ASC`), executionCumulusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// GranuleFilters narrows ListGranules.
type GranuleFilters struct {
	CollectionCumulusID *int64
	Status              string
	Limit               int
}

func (r Repo) ListGranules(ctx context.Context, f GranuleFilters) ([]domain.Granule, error) {
	query := `SELECT ` + granuleColumns + ` FROM granules WHERE 1=1`
	var args []any
	if f.CollectionCumulusID != nil {
		query += ` AND collection_cumulus_id=?`
		args = append(args, *f.CollectionCumulusID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, cumulus_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Granule
	for rows.Next() {
		g, err := scanGranule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
