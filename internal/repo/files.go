package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ingestledger/internal/domain"
)

// UpsertFile writes f keyed by (bucket, key) and returns its cumulus id.
func (r Repo) UpsertFile(ctx context.Context, q Querier, f domain.File) (int64, error) {
	id, err := scanID(q.QueryRowContext(ctx, r.q(`INSERT INTO files(granule_cumulus_id,bucket,key,file_name,checksum_type,checksum_value,size,source,path,type,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(bucket,key) DO UPDATE SET
  granule_cumulus_id=excluded.granule_cumulus_id,
  file_name=excluded.file_name,
  checksum_type=excluded.checksum_type,
  checksum_value=excluded.checksum_value,
  size=excluded.size,
  source=excluded.source,
  path=excluded.path,
  type=excluded.type,
  updated_at=excluded.updated_at
RETURNING cumulus_id`),
		f.GranuleCumulusID, f.Bucket, f.Key, nullableStringPtr(f.FileName), nullableStringPtr(f.ChecksumType),
		nullableStringPtr(f.ChecksumValue), nullableInt64Ptr(f.Size), nullableStringPtr(f.Source), nullableStringPtr(f.Path),
		nullableStringPtr(f.Type), f.CreatedAt, f.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("upsert file s3://%s/%s: %w", f.Bucket, f.Key, err)
	}
	return id, nil
}

// DeleteExcessFiles removes a granule's files whose ids are not in keep.
// An empty keep removes every file of the granule.
func (r Repo) DeleteExcessFiles(ctx context.Context, q Querier, granuleCumulusID int64, keep []int64) (int64, error) {
	query := `DELETE FROM files WHERE granule_cumulus_id=?`
	args := []any{granuleCumulusID}
	if len(keep) > 0 {
		query += ` AND cumulus_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := q.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete excess files: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) ListFiles(ctx context.Context, granuleCumulusID int64) ([]domain.File, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT cumulus_id,granule_cumulus_id,bucket,key,file_name,checksum_type,checksum_value,size,source,path,type,created_at,updated_at
FROM files WHERE granule_cumulus_id=? ORDER BY bucket ASC, key ASC`), granuleCumulusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.File
	for rows.Next() {
		var f domain.File
		var size sql.NullInt64
		var fileName, checksumType, checksumValue, source, path, typ sql.NullString
		if err := rows.Scan(&f.CumulusID, &f.GranuleCumulusID, &f.Bucket, &f.Key, &fileName, &checksumType, &checksumValue,
			&size, &source, &path, &typ, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.FileName = stringPtr(fileName)
		f.ChecksumType = stringPtr(checksumType)
		f.ChecksumValue = stringPtr(checksumValue)
		f.Size = int64Ptr(size)
		f.Source = stringPtr(source)
		f.Path = stringPtr(path)
		f.Type = stringPtr(typ)
		res = append(res, f)
	}
	return res, rows.Err()
}
