package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ingestledger/internal/config"
	"ingestledger/internal/db"
	"ingestledger/internal/domain"
	"ingestledger/internal/logging"
	"ingestledger/internal/message"
	"ingestledger/internal/notify"
	"ingestledger/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Resolver  Resolver
	Publisher notify.Publisher
	Config    *config.Config
	Logger    logging.Logger
	Now       func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, pub notify.Publisher, logger logging.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.New(conn, dialect)
	return Engine{
		DB:        conn,
		Repo:      r,
		Resolver:  Resolver{Repo: r},
		Publisher: pub,
		Config:    cfg,
		Logger:    logging.OrNop(logger),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

func (e Engine) log() logging.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) fileConcurrency() int {
	if e.Config != nil && e.Config.Concurrency.Files > 0 {
		return e.Config.Concurrency.Files
	}
	return 8
}

func (e Engine) publish(ctx context.Context, topic, event string, record any) error {
	if e.Publisher == nil || topic == "" {
		return nil
	}
	return e.Publisher.Publish(ctx, topic, notify.Event{Event: event, Record: record})
}

func (e Engine) topics() config.Topics {
	if e.Config == nil {
		return config.Topics{}
	}
	return e.Config.Topics
}

// WriteOptions tune a single orchestrated write.
type WriteOptions struct {
	// Force writes declared files even when the granule status is not terminal.
	Force bool
	// SkipWriteConstraints disables the granule stale-write guard.
	SkipWriteConstraints bool
}

// Result summarizes an orchestrated write.
type Result struct {
	ExecutionArn       string           `json:"executionArn,omitempty"`
	ExecutionCumulusID *int64           `json:"executionCumulusId,omitempty"`
	PdrCumulusID       *int64           `json:"pdrCumulusId,omitempty"`
	RecordTypes        []string         `json:"recordTypes"`
	Granules           []GranuleOutcome `json:"granules,omitempty"`
}

// WriteRecords persists every record a workflow message describes.
func (e Engine) WriteRecords(ctx context.Context, msg *message.Message) (Result, error) {
	return e.Write(ctx, msg, WriteOptions{})
}

// Write is WriteRecords with options. Execution is written before the pdr,
// and the pdr before granules, so that each can reference the previous one.
func (e Engine) Write(ctx context.Context, msg *message.Message, opts WriteOptions) (Result, error) {
	var res Result
	if msg == nil {
		return res, newError(ErrMalformedMessage, "message is required", nil, nil)
	}
	arn, err := msg.ExecutionArn()
	if err != nil {
		return res, newError(ErrMalformedMessage, "", err, nil)
	}
	res.ExecutionArn = arn
	log := e.log().WithContext(ctx).WithFields(map[string]any{"arn": arn})

	refs, err := e.resolveReferences(ctx, msg)
	if err != nil {
		if IsUnmetRequirements(err) {
			log.Warn("unmet requirements, nothing written", "error", err)
		}
		return res, err
	}
	if refs.collectionName != "" {
		log = log.WithFields(map[string]any{"collection": refs.collectionName})
	}

	types := e.recordTypes(msg)
	res.RecordTypes = types.List()

	var executionID *int64
	if types.Has(domain.RecordExecution) {
		id, err := e.writeExecution(ctx, msg, arn, refs)
		if err != nil {
			log.Error("execution write failed", "error", err)
			return res, err
		}
		executionID = idPtr(id)
	} else {
		id, found, err := e.Resolver.ExecutionByURL(ctx, message.ExecutionURL(arn))
		if err != nil {
			return res, err
		}
		if found {
			executionID = idPtr(id)
		}
	}
	res.ExecutionCumulusID = executionID

	if name := msg.ProviderID(); name != "" {
		id, found, err := e.Resolver.Provider(ctx, name)
		if err != nil {
			return res, err
		}
		if found {
			refs.provider = idPtr(id)
		}
	}

	var pdrID *int64
	if types.Has(domain.RecordPdr) && msg.Payload.Pdr != nil {
		id, err := e.writePdr(ctx, msg, refs, executionID)
		if err != nil {
			log.Error("pdr write failed", "error", err)
			return res, err
		}
		pdrID = id
	}
	res.PdrCumulusID = pdrID

	if types.Has(domain.RecordGranule) && len(msg.Payload.Granules) > 0 {
		if refs.collection == nil {
			return res, newError(ErrUnmetRequirements, "collection is required to write granules", nil, nil)
		}
		wc := granuleContext{
			msg:          msg,
			collectionID: *refs.collection,
			executionID:  executionID,
			executionURL: message.ExecutionURL(arn),
			providerID:   refs.provider,
			pdrID:        pdrID,
			opts:         opts,
			log:          log,
		}
		outcomes, err := e.writeGranules(ctx, wc)
		res.Granules = outcomes
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// resolveReferences looks up the collection, async operation and parent
// execution concurrently. A named reference that is not stored fails the
// whole message with UNMET_REQUIREMENTS.
func (e Engine) resolveReferences(ctx context.Context, msg *message.Message) (references, error) {
	var refs references
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, name, err := e.Resolver.collectionRef(gctx, msg)
		refs.collection, refs.collectionName = id, name
		return err
	})
	g.Go(func() error {
		id, err := e.Resolver.asyncOperationRef(gctx, msg)
		refs.asyncOperation = id
		return err
	})
	g.Go(func() error {
		id, err := e.Resolver.parentExecutionRef(gctx, msg)
		refs.parentExecution = id
		return err
	})
	if err := g.Wait(); err != nil {
		return refs, err
	}
	return refs, nil
}

func (e Engine) writeGranules(ctx context.Context, wc granuleContext) ([]GranuleOutcome, error) {
	granules := wc.msg.Payload.Granules
	outcomes := make([]GranuleOutcome, len(granules))
	var g errgroup.Group
	for i := range granules {
		g.Go(func() error {
			outcomes[i] = e.writeGranule(ctx, wc, granules[i])
			return nil
		})
	}
	_ = g.Wait()

	failed := map[string]error{}
	var succeeded, ids []string
	for i, o := range outcomes {
		key := o.GranuleID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if o.Err != nil && !IsFileWriteFailure(o.Err) {
			failed[key] = o.Err
		} else {
			succeeded = append(succeeded, key)
		}
		if o.GranuleID != "" {
			ids = append(ids, o.GranuleID)
		}
	}
	granuleErr := aggregate(ErrCodeGranuleWritesFailed, "granule writes", failed, succeeded, len(granules))

	var assocErr error
	if wc.executionID != nil {
		assocErr = e.writeAssociations(ctx, ids, *wc.executionID)
	}
	if granuleErr != nil {
		wc.log.Error("granule writes failed", "error", granuleErr)
	}
	if assocErr != nil {
		wc.log.Error("association writes failed", "error", assocErr)
	}
	switch {
	case granuleErr != nil && assocErr != nil:
		return outcomes, errors.Join(granuleErr, assocErr)
	case granuleErr != nil:
		return outcomes, granuleErr
	default:
		return outcomes, assocErr
	}
}
