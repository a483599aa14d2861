package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"ingestledger/internal/config"
	"ingestledger/internal/db"
	"ingestledger/internal/dispatch"
	"ingestledger/internal/domain"
	"ingestledger/internal/engine"
	"ingestledger/internal/logging"
	"ingestledger/internal/migrate"
	ledgersdk "ingestledger/sdk/go"
)

const (
	testArn     = "arn:aws:states:us-east-1:123456789012:execution:IngestGranule:exec-1"
	testMessage = `{
  "cumulus_meta": {
    "execution_name": "exec-1",
    "state_machine": "arn:aws:states:us-east-1:123456789012:stateMachine:IngestGranule",
    "workflow_start_time": 1000,
    "workflow_stop_time": 5000
  },
  "meta": {"status": "completed", "workflow_name": "IngestGranule", "collection": {"name": "MOD09GQ", "version": "006"}},
  "payload": {"granules": [
    {"granuleId": "G1", "files": [{"bucket": "protected", "key": "data/G1.hdf", "size": 10}]}
  ]}
}`
)

type testServer struct {
	URL   string
	close func()
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.SQLite, config.Default(), nil, logging.Nop())
	if _, err := e.Repo.InsertCollection(context.Background(), domain.Collection{Name: "MOD09GQ", Version: "006", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	handler, err := New(Config{
		Engine:     e,
		Dispatcher: dispatch.Dispatcher{Writer: e},
		BasePath:   "/v0",
		Auth:       auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL: "http://" + ln.Addr().String(),
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func TestSubmitAndQuery(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := ledgersdk.New(srv.URL)
	ctx := context.Background()

	res, err := client.SubmitMessage(ctx, []byte(testMessage))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Handled || res.MessageID == "" {
		t.Fatalf("expected handled message, got %+v", res)
	}

	g, err := client.Granule(ctx, "G1", "MOD09GQ___006")
	if err != nil {
		t.Fatalf("granule: %v", err)
	}
	if g.Status != "completed" || g.CollectionID != "MOD09GQ___006" {
		t.Fatalf("unexpected granule %+v", g)
	}
	if len(g.Files) != 1 || g.Files[0].Key != "data/G1.hdf" {
		t.Fatalf("expected one file, got %+v", g.Files)
	}

	x, err := client.Execution(ctx, testArn)
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if x.Status != "completed" || x.Name != "exec-1" {
		t.Fatalf("unexpected execution %+v", x)
	}

	ids, err := client.ExecutionGranules(ctx, testArn)
	if err != nil {
		t.Fatalf("execution granules: %v", err)
	}
	if len(ids) != 1 || ids[0] != "G1" {
		t.Fatalf("expected [G1], got %v", ids)
	}
}

func TestSubmitStringBody(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, err := ledgersdk.New(srv.URL).SubmitMessage(context.Background(), testMessage)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Handled {
		t.Fatalf("expected handled, got %+v", res)
	}
}

func TestSubmitUnwritableMessageIsNotHandled(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, err := ledgersdk.New(srv.URL).SubmitMessage(context.Background(), "not json")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Handled || res.Error == "" {
		t.Fatalf("expected unhandled message with error, got %+v", res)
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := ledgersdk.New(srv.URL)
	_, err := client.Granule(context.Background(), "missing", "")
	var apiErr *ledgersdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	_, err = client.Execution(context.Background(), testArn)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	_, err = client.Granule(context.Background(), "G1", "no-separator")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestSubmitRequiresJWT(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := ledgersdk.New(srv.URL)
	ctx := context.Background()

	_, err := client.SubmitMessage(ctx, []byte(testMessage))
	var apiErr *ledgersdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	client.BearerToken = "not-a-jwt"
	_, err = client.SubmitMessage(ctx, []byte(testMessage))
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	client.BearerToken = token
	res, err := client.SubmitMessage(ctx, []byte(testMessage))
	if err != nil || !res.Handled {
		t.Fatalf("expected authorized submit, got %+v %v", res, err)
	}

	client.BearerToken = ""
	if _, err := client.Granule(ctx, "G1", ""); err != nil {
		t.Fatalf("reads stay open: %v", err)
	}
}
