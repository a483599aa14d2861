package repo

import (
	"context"
	"database/sql"
	"fmt"

	"ingestledger/internal/domain"
)

// executionPinned holds when a terminal row meets a non-terminal write.
const executionPinned = `executions.status IN ('completed','failed') AND excluded.status NOT IN ('completed','failed')`

var upsertExecutionSQL = fmt.Sprintf(`INSERT INTO executions(arn,url,status,cumulus_version,tasks,workflow_name,error,original_payload,final_payload,duration,async_operation_cumulus_id,collection_cumulus_id,parent_cumulus_id,created_at,updated_at,timestamp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(arn) DO UPDATE SET
  status=CASE WHEN %[1]s THEN executions.status ELSE excluded.status END,
  final_payload=CASE WHEN %[1]s THEN executions.final_payload ELSE COALESCE(excluded.final_payload, executions.final_payload) END,
  tasks=CASE WHEN %[1]s THEN executions.tasks ELSE COALESCE(excluded.tasks, executions.tasks) END,
  error=CASE WHEN %[1]s THEN executions.error ELSE COALESCE(excluded.error, executions.error) END,
  duration=CASE WHEN %[1]s THEN executions.duration ELSE COALESCE(excluded.duration, executions.duration) END,
  timestamp=CASE WHEN %[1]s THEN executions.timestamp ELSE excluded.timestamp END,
  original_payload=COALESCE(executions.original_payload, excluded.original_payload),
  url=COALESCE(excluded.url, executions.url),
  cumulus_version=COALESCE(excluded.cumulus_version, executions.cumulus_version),
  workflow_name=COALESCE(excluded.workflow_name, executions.workflow_name),
  async_operation_cumulus_id=COALESCE(excluded.async_operation_cumulus_id, executions.async_operation_cumulus_id),
  collection_cumulus_id=COALESCE(excluded.collection_cumulus_id, executions.collection_cumulus_id),
  parent_cumulus_id=COALESCE(excluded.parent_cumulus_id, executions.parent_cumulus_id),
  updated_at=excluded.updated_at
RETURNING cumulus_id`, executionPinned)

// UpsertExecutionTx writes e keyed by arn. original_payload is kept once set,
// and a terminal row keeps its outcome fields against non-terminal writes.
func (r Repo) UpsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) (int64, error) {
	id, err := scanID(tx.QueryRowContext(ctx, r.q(upsertExecutionSQL),
		e.Arn, nullableStringPtr(e.URL), e.Status, nullableStringPtr(e.CumulusVersion), nullableJSON(e.Tasks),
		nullableStringPtr(e.WorkflowName), nullableJSON(e.Error), nullableJSON(e.OriginalPayload), nullableJSON(e.FinalPayload),
		nullableFloatPtr(e.Duration), nullableInt64Ptr(e.AsyncOperationCumulusID), nullableInt64Ptr(e.CollectionCumulusID),
		nullableInt64Ptr(e.ParentCumulusID), e.CreatedAt, e.UpdatedAt, nullableInt64Ptr(e.Timestamp)))
	if err != nil {
		return 0, fmt.Errorf("upsert execution %s: %w", e.Arn, err)
	}
	return id, nil
}

func (r Repo) ExecutionCumulusID(ctx context.Context, arn string) (int64, error) {
	return r.ExecutionCumulusIDTx(ctx, r.DB, arn)
}

func (r Repo) ExecutionCumulusIDTx(ctx context.Context, q Querier, arn string) (int64, error) {
	return scanID(q.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM executions WHERE arn=?`), arn))
}

func (r Repo) ExecutionCumulusIDByURL(ctx context.Context, url string) (int64, error) {
	return scanID(r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM executions WHERE url=? ORDER BY cumulus_id DESC LIMIT 1`), url))
}

const executionColumns = `cumulus_id,arn,url,status,cumulus_version,tasks,workflow_name,error,original_payload,final_payload,duration,async_operation_cumulus_id,collection_cumulus_id,parent_cumulus_id,created_at,updated_at,timestamp`

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e                                      domain.Execution
		url, version, tasks, workflow, errJSON sql.NullString
		original, final                        sql.NullString
		duration                               sql.NullFloat64
		asyncOp, collection, parent, timestamp sql.NullInt64
	)
	err := row.Scan(&e.CumulusID, &e.Arn, &url, &e.Status, &version, &tasks, &workflow, &errJSON, &original, &final,
		&duration, &asyncOp, &collection, &parent, &e.CreatedAt, &e.UpdatedAt, &timestamp)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.URL = stringPtr(url)
	e.CumulusVersion = stringPtr(version)
	e.Tasks = rawJSON(tasks)
	e.WorkflowName = stringPtr(workflow)
	e.Error = rawJSON(errJSON)
	e.OriginalPayload = rawJSON(original)
	e.FinalPayload = rawJSON(final)
	e.Duration = floatPtr(duration)
	e.AsyncOperationCumulusID = int64Ptr(asyncOp)
	e.CollectionCumulusID = int64Ptr(collection)
	e.ParentCumulusID = int64Ptr(parent)
	e.Timestamp = int64Ptr(timestamp)
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, arn string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, r.q(`SELECT `+executionColumns+` FROM executions WHERE arn=?`), arn))
}

func (r Repo) GetExecutionByID(ctx context.Context, cumulusID int64) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, r.q(`SELECT `+executionColumns+` FROM executions WHERE cumulus_id=?`), cumulusID))
}

// ExecutionArnByID returns the arn for a cumulus id.
func (r Repo) ExecutionArnByID(ctx context.Context, cumulusID int64) (string, error) {
	var arn string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT arn FROM executions WHERE cumulus_id=?`), cumulusID).Scan(&arn)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return arn, err
}
