package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"ingestledger/internal/db"
	"ingestledger/internal/domain"
	"ingestledger/internal/migrate"
	"ingestledger/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, int64) {
	t.Helper()
	conn, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, db.SQLite)
	collectionID, err := r.InsertCollection(context.Background(), domain.Collection{Name: "MOD09GQ", Version: "006", CreatedAt: 1, UpdatedAt: 1})
	if err != nil {
		t.Fatalf("insert collection: %v", err)
	}
	return r, collectionID
}

func upsertExecution(t *testing.T, r repo.Repo, e domain.Execution) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := r.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	id, err := r.UpsertExecutionTx(ctx, tx, e)
	if err != nil {
		t.Fatalf("upsert execution: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func upsertGranule(t *testing.T, r repo.Repo, g domain.Granule) (int64, bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	id, written, err := r.UpsertGranuleTx(ctx, tx, g, true)
	if err != nil {
		t.Fatalf("upsert granule: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id, written
}

func TestExecutionUpsertPinsTerminalValues(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	arn := "arn:aws:states:us-east-1:123:execution:Ingest:abc"
	upsertExecution(t, r, domain.Execution{Arn: arn, Status: "running", OriginalPayload: json.RawMessage(`{"step":1}`), CreatedAt: 10, UpdatedAt: 10})
	upsertExecution(t, r, domain.Execution{Arn: arn, Status: "completed", FinalPayload: json.RawMessage(`{"step":9}`), Tasks: json.RawMessage(`{"a":1}`), CreatedAt: 10, UpdatedAt: 20})
	upsertExecution(t, r, domain.Execution{Arn: arn, Status: "running", OriginalPayload: json.RawMessage(`{"step":2}`), Tasks: json.RawMessage(`{"b":2}`), CreatedAt: 10, UpdatedAt: 30})

	got, err := r.GetExecution(ctx, arn)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("expected status to stay completed, got %s", got.Status)
	}
	if string(got.OriginalPayload) != `{"step":1}` {
		t.Fatalf("original payload overwritten: %s", got.OriginalPayload)
	}
	if string(got.FinalPayload) != `{"step":9}` || string(got.Tasks) != `{"a":1}` {
		t.Fatalf("terminal values not pinned: final=%s tasks=%s", got.FinalPayload, got.Tasks)
	}
	if got.UpdatedAt != 30 {
		t.Fatalf("expected updated_at to advance, got %d", got.UpdatedAt)
	}
}

func TestGranuleUpsertDropsStaleWrite(t *testing.T) {
	r, collectionID := newTestRepo(t)
	ctx := context.Background()
	execID := upsertExecution(t, r, domain.Execution{Arn: "arn:e1", Status: "completed", CreatedAt: 1, UpdatedAt: 1})

	base := domain.Granule{GranuleID: "G1", CollectionCumulusID: collectionID, ExecutionCumulusID: &execID, CreatedAt: 100, UpdatedAt: 100}
	completed := base
	completed.Status = "completed"
	completed.Timestamp = 200
	id, written := upsertGranule(t, r, completed)
	if !written || id == 0 {
		t.Fatalf("expected completed write to land")
	}

	stale := base
	stale.Status = "running"
	stale.Timestamp = 100
	if _, written := upsertGranule(t, r, stale); written {
		t.Fatalf("expected stale running write to be dropped")
	}
	got, err := r.GetGranuleByID(ctx, id)
	if err != nil {
		t.Fatalf("get granule: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("status regressed to %s", got.Status)
	}

	newer := base
	newer.Status = "running"
	newer.Timestamp = 300
	if _, written := upsertGranule(t, r, newer); !written {
		t.Fatalf("expected newer running write to land")
	}

	otherExec := upsertExecution(t, r, domain.Execution{Arn: "arn:e2", Status: "running", CreatedAt: 1, UpdatedAt: 1})
	done := base
	done.Status = "failed"
	done.Timestamp = 400
	upsertGranule(t, r, done)
	reingest := base
	reingest.ExecutionCumulusID = &otherExec
	reingest.Status = "running"
	reingest.Timestamp = 50
	if _, written := upsertGranule(t, r, reingest); !written {
		t.Fatalf("expected running write from another execution to land")
	}
}

func TestDeleteExcessFiles(t *testing.T) {
	r, collectionID := newTestRepo(t)
	ctx := context.Background()
	gid, _ := upsertGranule(t, r, domain.Granule{GranuleID: "G2", CollectionCumulusID: collectionID, Status: "completed", CreatedAt: 1, UpdatedAt: 1, Timestamp: 1})
	var keep []int64
	for i, key := range []string{"a.hdf", "b.hdf", "c.hdf"} {
		id, err := r.UpsertFile(ctx, r.DB, domain.File{GranuleCumulusID: gid, Bucket: "protected", Key: key, CreatedAt: 1, UpdatedAt: 1})
		if err != nil {
			t.Fatalf("upsert file: %v", err)
		}
		if i == 0 {
			keep = append(keep, id)
		}
	}
	n, err := r.DeleteExcessFiles(ctx, r.DB, gid, keep)
	if err != nil {
		t.Fatalf("delete excess: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	files, err := r.ListFiles(ctx, gid)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Key != "a.hdf" {
		t.Fatalf("unexpected files %+v", files)
	}
	if _, err := r.DeleteExcessFiles(ctx, r.DB, gid, nil); err != nil {
		t.Fatalf("clear files: %v", err)
	}
	files, _ = r.ListFiles(ctx, gid)
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
}

func TestLookupsReportNotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CollectionCumulusID(ctx, "missing", "1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.ExecutionCumulusIDByURL(ctx, "https://nowhere"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GranuleCumulusIDByGranuleID(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGranuleIDIsUniqueAcrossCollections(t *testing.T) {
	r, collectionID := newTestRepo(t)
	ctx := context.Background()
	otherID, err := r.InsertCollection(ctx, domain.Collection{Name: "MOD09GQ", Version: "007", CreatedAt: 1, UpdatedAt: 1})
	if err != nil {
		t.Fatalf("insert collection: %v", err)
	}
	g := domain.Granule{GranuleID: "G1", CollectionCumulusID: collectionID, Status: "running", CreatedAt: 1, UpdatedAt: 1, Timestamp: 1}
	upsertGranule(t, r, g)

	tx, err := r.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	g.CollectionCumulusID = otherID
	if _, _, err := r.UpsertGranuleTx(ctx, tx, g, true); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate granule id to be rejected, got %v", err)
	}
	tx.Rollback()

	if _, err := r.MarkGranuleFailed(ctx, g); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected failed-row write to be rejected too, got %v", err)
	}
}
