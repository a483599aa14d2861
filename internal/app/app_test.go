package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestledger/internal/config"
	"ingestledger/internal/db"
	"ingestledger/internal/deadletter"
	"ingestledger/internal/queue"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("logging:\n  level: warn\nconsumer:\n  batch_size: 3\n"), 0o644))

	cfg, err := LoadConfig(Options{Workspace: dir})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Consumer.BatchSize)

	cfg, err = LoadConfig(Options{Workspace: dir, LogLevel: "debug", Driver: "sqlite", DSN: "x.db"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "x.db", cfg.Database.DSN)

	_, err = LoadConfig(Options{Workspace: dir, Driver: "mysql"})
	assert.Error(t, err)
}

func TestNeedsAWS(t *testing.T) {
	cfg := config.Default()
	assert.False(t, needsAWS(cfg))
	cfg.Topics.Granule = "https://hooks.example.com/granules"
	assert.False(t, needsAWS(cfg))
	cfg.Topics.Granule = "arn:aws:sns:us-east-1:1:granules"
	assert.True(t, needsAWS(cfg))

	cfg = config.Default()
	cfg.DeadLetter.DSN = "sqs://sqs.us-east-1.amazonaws.com/1/dlq"
	assert.True(t, needsAWS(cfg))

	cfg = config.Default()
	cfg.S3Messages.Enabled = true
	assert.True(t, needsAWS(cfg))
}

func TestOpenLocalRuntime(t *testing.T) {
	dir := t.TempDir()
	dlq := filepath.Join(dir, "dlq.json")
	cfgYAML := "dead_letter:\n  dsn: file://" + dlq + "\nconsumer:\n  wait: 20ms\n  max_receive_count: 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfgYAML), 0o644))

	rt, err := Open(context.Background(), Options{Workspace: dir, LogWriter: os.Stderr, LogLevel: "error"})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, db.SQLite, rt.Dialect)
	assert.Nil(t, rt.AWS)

	d, err := rt.Dispatcher()
	require.NoError(t, err)
	require.IsType(t, deadletter.QueueSink{}, d.Sink)

	_, _, err = rt.Poller("")
	require.Error(t, err, "no queue configured")

	p, q, err := rt.Poller("memory://")
	require.NoError(t, err)
	defer q.Close()
	body := `{"cumulus_meta":{"execution_name":"e1","state_machine":"arn:aws:states:us-east-1:1:stateMachine:Ingest","workflow_start_time":1},
"meta":{"status":"running","workflow_name":"Ingest","collection":{"name":"UNKNOWN","version":"1"}},"payload":{}}`
	require.True(t, q.TryEnqueue(queue.Item{ID: "m1", Body: body, EnqueuedAt: time.Now()}))

	res, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Handled, "unwritable messages are dead-lettered by the dispatcher")

	stored, err := queue.NewFile(dlq, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Depth())
}
