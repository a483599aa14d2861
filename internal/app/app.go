// Package app wires configuration, storage and AWS clients into the
// engine, dispatcher and poller used by the CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"golang.org/x/time/rate"

	"ingestledger/internal/config"
	"ingestledger/internal/db"
	"ingestledger/internal/deadletter"
	"ingestledger/internal/dispatch"
	"ingestledger/internal/engine"
	"ingestledger/internal/logging"
	"ingestledger/internal/message"
	"ingestledger/internal/migrate"
	"ingestledger/internal/notify"
	"ingestledger/internal/queue"
)

// Options are the command-line overrides layered over the config file.
type Options struct {
	Workspace  string
	ConfigPath string
	Driver     string
	DSN        string
	LogLevel   string
	LogWriter  io.Writer
}

// LoadConfig reads the workspace config, or the defaults when there is
// none, and applies the overrides in opts.
func LoadConfig(opts Options) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.Path(opts.Workspace)
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime holds an open, migrated store and everything built on it.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Logger  logging.Logger
	Engine  engine.Engine
	AWS     *AWSClients
}

// Open loads config, opens and migrates the store and builds the engine.
// AWS clients are created only when the config routes something to AWS.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level, opts.LogWriter)
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: opts.Workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	dialect := dbCfg.Dialect()
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Dialect: dialect, Logger: logger}
	if needsAWS(cfg) {
		clients, err := NewAWSClients(ctx, cfg.AWS)
		if err != nil {
			conn.Close()
			return nil, err
		}
		rt.AWS = clients
	}
	pub, err := rt.publisher()
	if err != nil {
		conn.Close()
		return nil, err
	}
	rt.Engine = engine.New(conn, dialect, cfg, pub, logger)
	return rt, nil
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

func (rt *Runtime) publisher() (notify.Publisher, error) {
	timeout, err := rt.Config.Webhooks.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	mux := notify.Mux{
		Webhook: notify.NewWebhookPublisher(rt.Config.Webhooks.Secret, timeout, rt.Config.Webhooks.Events...),
	}
	if rt.AWS != nil {
		mux.SNS = notify.SNSPublisher{Client: rt.AWS.SNS}
	}
	return mux, nil
}

// Dispatcher builds the message dispatcher with the configured dead-letter
// sink and remote message loader.
func (rt *Runtime) Dispatcher() (dispatch.Dispatcher, error) {
	var sqsClient deadletter.SQSAPI
	if rt.AWS != nil {
		sqsClient = rt.AWS.SQS
	}
	sink, err := deadletter.Build(rt.Config.DeadLetter.DSN, sqsClient)
	if err != nil {
		return dispatch.Dispatcher{}, err
	}
	unwrapper := message.Unwrapper{}
	if rt.Config.S3Messages.Enabled && rt.AWS != nil {
		unwrapper.Loader = message.S3Loader{Client: rt.AWS.S3}
	}
	return dispatch.Dispatcher{
		Writer:      rt.Engine,
		Unwrapper:   unwrapper,
		Sink:        sink,
		Logger:      rt.Logger,
		Concurrency: rt.Config.Concurrency.Messages,
	}, nil
}

// Poller builds a local consumer over the queue at queueDSN, falling back
// to consumer.queue from config. The caller closes the returned queue.
func (rt *Runtime) Poller(queueDSN string) (dispatch.Poller, queue.Queue, error) {
	if strings.TrimSpace(queueDSN) == "" {
		queueDSN = rt.Config.Consumer.Queue
	}
	q, err := queue.Build(queueDSN, 0)
	if err != nil {
		return dispatch.Poller{}, nil, err
	}
	if q == nil {
		return dispatch.Poller{}, nil, fmt.Errorf("no consumer queue configured; set consumer.queue or --queue")
	}
	d, err := rt.Dispatcher()
	if err != nil {
		q.Close()
		return dispatch.Poller{}, nil, err
	}
	wait, err := rt.Config.Consumer.WaitDuration()
	if err != nil {
		q.Close()
		return dispatch.Poller{}, nil, err
	}
	limit := rate.Inf
	if r := rt.Config.Consumer.RatePerSecond; r > 0 {
		limit = rate.Limit(r)
	}
	return dispatch.Poller{
		Queue:           q,
		Dispatcher:      d,
		DeadLetter:      d.Sink,
		BatchSize:       rt.Config.Consumer.BatchSize,
		MaxReceiveCount: rt.Config.Consumer.MaxReceiveCount,
		Limiter:         rate.NewLimiter(limit, 1),
		Wait:            wait,
		Logger:          rt.Logger,
	}, q, nil
}

func needsAWS(cfg *config.Config) bool {
	for _, topic := range []string{cfg.Topics.Execution, cfg.Topics.Granule, cfg.Topics.Pdr} {
		if strings.HasPrefix(strings.TrimSpace(topic), "arn:aws:sns:") {
			return true
		}
	}
	dl := strings.ToLower(strings.TrimSpace(cfg.DeadLetter.DSN))
	if strings.HasPrefix(dl, "sqs://") || strings.HasPrefix(dl, "https://sqs.") {
		return true
	}
	return cfg.S3Messages.Enabled
}
