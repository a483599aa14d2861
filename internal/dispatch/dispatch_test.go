package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"ingestledger/internal/config"
	"ingestledger/internal/db"
	"ingestledger/internal/deadletter"
	"ingestledger/internal/engine"
	"ingestledger/internal/logging"
	"ingestledger/internal/message"
	"ingestledger/internal/migrate"
	"ingestledger/internal/queue"
)

func body(execution string) string {
	return fmt.Sprintf(`{"cumulus_meta":{"execution_name":%q,"state_machine":"arn:aws:states:us-east-1:1:stateMachine:Ingest","workflow_start_time":1},
"meta":{"status":"running","workflow_name":"Ingest"},"payload":{}}`, execution)
}

// failingWriter fails every message whose execution name starts with "fail".
type failingWriter struct {
	mu      sync.Mutex
	written []string
}

func (w *failingWriter) WriteRecords(_ context.Context, msg *message.Message) (engine.Result, error) {
	name := msg.CumulusMeta.ExecutionName
	if strings.HasPrefix(name, "fail") {
		return engine.Result{}, errors.New("cannot write " + name)
	}
	w.mu.Lock()
	w.written = append(w.written, name)
	w.mu.Unlock()
	return engine.Result{}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
	err     error
}

func (s *recordingSink) Send(_ context.Context, e deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func sqsEvent(bodies map[string]string) events.SQSEvent {
	var evt events.SQSEvent
	for id, b := range bodies {
		evt.Records = append(evt.Records, events.SQSMessage{MessageId: id, Body: b})
	}
	return evt
}

func failureIDs(resp events.SQSEventResponse) []string {
	ids := make([]string, 0, len(resp.BatchItemFailures))
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

func TestHandleSQSEventWithoutSinkReportsWriteFailures(t *testing.T) {
	w := &failingWriter{}
	d := Dispatcher{Writer: w, Concurrency: 2}
	resp, err := d.HandleSQSEvent(context.Background(), sqsEvent(map[string]string{
		"ok":     body("good"),
		"bad":    body("fail-1"),
		"broken": "not json",
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bad", "broken"}, failureIDs(resp))
	assert.Equal(t, []string{"good"}, w.written)
}

func TestHandleSQSEventDeadLettersWriteFailures(t *testing.T) {
	sink := &recordingSink{}
	d := Dispatcher{Writer: &failingWriter{}, Sink: sink}
	resp, err := d.HandleSQSEvent(context.Background(), sqsEvent(map[string]string{
		"bad":    body("fail-1"),
		"broken": "not json",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, failureIDs(resp), "unwrap failures are never dead-lettered")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "bad", sink.entries[0].MessageId)
	assert.Equal(t, "cannot write fail-1", sink.entries[0].Error)

	data, err := json.Marshal(sink.entries[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"body":`)
}

func TestHandleSQSEventSinkFailure(t *testing.T) {
	d := Dispatcher{Writer: &failingWriter{}, Sink: &recordingSink{err: errors.New("sink down")}}
	resp, err := d.HandleSQSEvent(context.Background(), sqsEvent(map[string]string{"bad": body("fail-1")}))
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, failureIDs(resp))
}

func TestHandleSQSEventEmptyBatch(t *testing.T) {
	resp, err := Dispatcher{Writer: &failingWriter{}}.HandleSQSEvent(context.Background(), events.SQSEvent{})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestDispatcherWithEngineDeadLettersUnmetRequirements(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	eng := engine.New(conn, db.SQLite, config.Default(), nil, logging.Nop())

	sink := &recordingSink{}
	d := Dispatcher{Writer: eng, Sink: sink}
	missing := `{"cumulus_meta":{"execution_name":"e1","state_machine":"arn:aws:states:us-east-1:1:stateMachine:Ingest","workflow_start_time":1},
"meta":{"status":"running","workflow_name":"Ingest","collection":{"name":"NOPE","version":"1"}},"payload":{}}`
	require.NoError(t, d.Handle(context.Background(), events.SQSMessage{MessageId: "m1", Body: missing}))
	require.Len(t, sink.entries, 1)
	assert.NotEmpty(t, sink.entries[0].Error)
}

func TestPollerRequeuesThenDeadLetters(t *testing.T) {
	q := queue.NewMemory(10)
	now := time.Now()
	require.True(t, q.TryEnqueue(queue.Item{ID: "good", Body: body("good"), EnqueuedAt: now}))
	require.True(t, q.TryEnqueue(queue.Item{ID: "bad", Body: body("fail-1"), EnqueuedAt: now}))

	w := &failingWriter{}
	dlq := &recordingSink{}
	p := Poller{
		Queue:           q,
		Dispatcher:      Dispatcher{Writer: w},
		DeadLetter:      dlq,
		BatchSize:       5,
		MaxReceiveCount: 3,
		Wait:            50 * time.Millisecond,
		Limiter:         rate.NewLimiter(rate.Inf, 1),
	}
	res, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handled)
	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 4, res.Received)
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, []string{"good"}, w.written)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "bad", dlq.entries[0].MessageId)
	assert.Contains(t, dlq.entries[0].Error, "3 receives")
}

func TestPollerWithoutDeadLetterReportsError(t *testing.T) {
	q := queue.NewMemory(2)
	require.True(t, q.TryEnqueue(queue.Item{ID: "bad", Body: body("fail-1")}))
	p := Poller{Queue: q, Dispatcher: Dispatcher{Writer: &failingWriter{}}, MaxReceiveCount: 1, Wait: 20 * time.Millisecond}
	res, err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 0, res.DeadLettered)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p := Poller{Queue: queue.NewMemory(1), Dispatcher: Dispatcher{Writer: &failingWriter{}}, Wait: 10 * time.Millisecond}
	assert.NoError(t, p.Run(ctx))
}
