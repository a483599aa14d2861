package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "ingestledger_message_queue"
	postgresDefaultQueueKey  = "default"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresQueue stores items as JSON rows. Dequeue claims the oldest row
// with FOR UPDATE SKIP LOCKED so several consumers can share one table;
// enqueue serializes capacity checks behind an advisory lock.
type postgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres returns a queue named queueKey backed by the database at dsn.
func NewPostgres(dsn, queueKey string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresDefaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &postgresQueue{
		dsn:          dsn,
		tableName:    postgresTableName,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresPollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *postgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		stmts := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				item TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(q.tableName)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				quoteIdentifier(q.tableName+"_queue_key_id_idx"), quoteIdentifier(q.tableName)),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *postgresQueue) TryEnqueue(item Item) bool {
	if !item.valid() {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, item) VALUES ($1, $2)", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (q *postgresQueue) Enqueue(ctx context.Context, item Item) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		if !item.valid() || !waitOrDone(ctx, q.pollInterval) {
			return false
		}
	}
}

func (q *postgresQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryDequeue(ctx); ok {
			return item, true
		}
		if !waitOrDone(ctx, q.pollInterval) {
			return Item{}, false
		}
	}
}

func (q *postgresQueue) tryDequeue(ctx context.Context) (Item, bool) {
	if err := q.ensureReady(); err != nil {
		return Item{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, false
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT id, item
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	var (
		id      int64
		payload string
	)
	// sql.ErrNoRows means the queue is empty.
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload); err != nil {
		return Item{}, false
	}
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return Item{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return Item{}, false
	}
	if err := tx.Commit(); err != nil {
		return Item{}, false
	}
	return item, true
}

func (q *postgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *postgresQueue) Capacity() int { return q.capacity }

func (q *postgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

func lockKey(tableName, queueKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tableName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(queueKey))
	return int64(h.Sum64())
}
