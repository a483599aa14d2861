package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string) Item {
	return Item{ID: id, Body: `{"cumulus_meta":{}}`, EnqueuedAt: time.UnixMilli(1000).UTC()}
}

func exerciseFIFO(t *testing.T, q Queue) {
	t.Helper()
	require.True(t, q.TryEnqueue(item("a")))
	require.True(t, q.TryEnqueue(item("b")))
	assert.False(t, q.TryEnqueue(item("c")), "queue is at capacity")
	assert.False(t, q.TryEnqueue(Item{ID: "x"}), "empty body is rejected")
	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, 2, q.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
	got, ok = q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, 0, q.Depth())

	short, stop := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer stop()
	_, ok = q.Dequeue(short)
	assert.False(t, ok)
}

func TestMemoryQueue(t *testing.T) {
	exerciseFIFO(t, NewMemory(2))
}

func TestFileQueue(t *testing.T) {
	q, err := NewFile(filepath.Join(t.TempDir(), "q.json"), 2)
	require.NoError(t, err)
	exerciseFIFO(t, q)
}

func TestFileQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "q.json")
	q, err := NewFile(path, 4)
	require.NoError(t, err)
	it := item("kept")
	it.Attempts = 2
	require.True(t, q.TryEnqueue(it))
	require.NoError(t, q.Close())

	reopened, err := NewFile(path, 4)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Depth())
	got, ok := reopened.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, it, got)
}

func TestFileQueueTrimsToCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := NewFile(path, 3)
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		require.True(t, q.TryEnqueue(item(id)))
	}
	smaller, err := NewFile(path, 1)
	require.NoError(t, err)
	got, ok := smaller.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "3", got.ID)
}

func TestBuild(t *testing.T) {
	q, err := Build("", 0)
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = Build("memory://", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, q.Capacity())

	dir := t.TempDir()
	q, err = Build("file://"+filepath.Join(dir, "a.json"), 0)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(item("a")))
	_, err = os.Stat(filepath.Join(dir, "a.json"))
	require.NoError(t, err)

	_, err = Build("kafka://broker", 0)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = Build("ftp://host", 0)
	assert.Error(t, err)
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	called := false
	Register("custom", func(dsn string, capacity int) (Queue, error) {
		called = true
		return NewMemory(capacity), nil
	})
	q, err := Build("CUSTOM://anything", 3)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 3, q.Capacity())
}

func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("INGESTLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INGESTLEDGER_TEST_POSTGRES_DSN not set")
	}
	q, err := NewPostgres(dsn, "test-"+time.Now().Format("150405.000000"), 2)
	require.NoError(t, err)
	defer q.Close()
	exerciseFIFO(t, q)
}
