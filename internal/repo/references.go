package repo

import (
	"context"
	"database/sql"
	"fmt"

	"ingestledger/internal/domain"
)

// Collections, providers and async operations are owned elsewhere. The
// writers only resolve them; the insert helpers exist for seeding.

func (r Repo) InsertCollection(ctx context.Context, c domain.Collection) (int64, error) {
	id, err := scanID(r.DB.QueryRowContext(ctx, r.q(`INSERT INTO collections(name,version,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name,version) DO UPDATE SET updated_at=excluded.updated_at RETURNING cumulus_id`),
		c.Name, c.Version, c.CreatedAt, c.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert collection: %w", err)
	}
	return id, nil
}

func (r Repo) CollectionCumulusID(ctx context.Context, name, version string) (int64, error) {
	return scanID(r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM collections WHERE name=? AND version=?`), name, version))
}

func (r Repo) GetCollectionByID(ctx context.Context, cumulusID int64) (domain.Collection, error) {
	var c domain.Collection
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id,name,version,created_at,updated_at FROM collections WHERE cumulus_id=?`), cumulusID).
		Scan(&c.CumulusID, &c.Name, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertProvider(ctx context.Context, p domain.Provider) (int64, error) {
	id, err := scanID(r.DB.QueryRowContext(ctx, r.q(`INSERT INTO providers(name,protocol,host,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET protocol=excluded.protocol, host=excluded.host, updated_at=excluded.updated_at RETURNING cumulus_id`),
		p.Name, nullableStringPtr(p.Protocol), nullableStringPtr(p.Host), p.CreatedAt, p.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert provider: %w", err)
	}
	return id, nil
}

func (r Repo) ProviderCumulusID(ctx context.Context, name string) (int64, error) {
	return scanID(r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM providers WHERE name=?`), name))
}

func (r Repo) ProviderNameByID(ctx context.Context, cumulusID int64) (string, error) {
	var name string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT name FROM providers WHERE cumulus_id=?`), cumulusID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

func (r Repo) InsertAsyncOperation(ctx context.Context, op domain.AsyncOperation) (int64, error) {
	id, err := scanID(r.DB.QueryRowContext(ctx, r.q(`INSERT INTO async_operations(id,description,operation_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at RETURNING cumulus_id`),
		op.ID, nullableStringPtr(op.Description), nullableStringPtr(op.OperationType), op.Status, op.CreatedAt, op.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert async operation: %w", err)
	}
	return id, nil
}

func (r Repo) AsyncOperationCumulusID(ctx context.Context, id string) (int64, error) {
	return scanID(r.DB.QueryRowContext(ctx, r.q(`SELECT cumulus_id FROM async_operations WHERE id=?`), id))
}

func (r Repo) AsyncOperationIDByCumulusID(ctx context.Context, cumulusID int64) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id FROM async_operations WHERE cumulus_id=?`), cumulusID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}
