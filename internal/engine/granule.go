package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ingestledger/internal/domain"
	"ingestledger/internal/logging"
	"ingestledger/internal/message"
	"ingestledger/internal/repo"
)

// Granule write outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// GranuleOutcome reports what happened to one payload granule. A success may
// still carry Err when its file write failed and the granule was degraded to
// failed in its place.
type GranuleOutcome struct {
	GranuleID string `json:"granuleId"`
	CumulusID int64  `json:"cumulusId,omitempty"`
	Outcome   string `json:"outcome"`
	Event     string `json:"event,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

type granuleContext struct {
	msg          *message.Message
	collectionID int64
	executionID  *int64
	executionURL string
	providerID   *int64
	pdrID        *int64
	opts         WriteOptions
	log          logging.Logger
}

// granuleTimestamp orders writes for the stale-write guard.
func granuleTimestamp(g message.Granule, meta message.CumulusMeta) int64 {
	switch {
	case g.UpdatedAt != nil:
		return *g.UpdatedAt
	case meta.WorkflowStopTime != nil:
		return *meta.WorkflowStopTime
	default:
		return *meta.WorkflowStartTime
	}
}

func secondsFromMillis(ms *float64) *float64 {
	if ms == nil {
		return nil
	}
	s := *ms / 1000
	return &s
}

func productVolume(files []message.File) *int64 {
	var total int64
	seen := false
	for _, f := range files {
		if f.Size != nil {
			total += *f.Size
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}

func (e Engine) buildGranule(wc granuleContext, g message.Granule, files []message.File) domain.Granule {
	meta := wc.msg.CumulusMeta
	now := e.nowMillis()
	status := wc.msg.Status()
	if status == "" {
		status = g.Status
	}
	published := false
	if g.Published != nil {
		published = *g.Published
	}
	stop := meta.WorkflowStopTime
	if stop == nil {
		stop = &now
	}
	rec := domain.Granule{
		GranuleID:               g.GranuleID,
		CollectionCumulusID:     wc.collectionID,
		Status:                  status,
		Published:               published,
		Duration:                durationSeconds(meta.WorkflowStartTime, stop),
		ProductVolume:           productVolume(files),
		TimeToProcess:           secondsFromMillis(g.SyncGranuleDuration),
		TimeToArchive:           secondsFromMillis(g.PostToCmrDuration),
		CmrLink:                 optionalString(g.CmrLink),
		Error:                   wc.msg.Error(),
		PdrCumulusID:            wc.pdrID,
		ProviderCumulusID:       wc.providerID,
		ExecutionCumulusID:      wc.executionID,
		BeginningDateTime:       optionalString(g.BeginningDateTime),
		EndingDateTime:          optionalString(g.EndingDateTime),
		ProductionDateTime:      optionalString(g.ProductionDateTime),
		LastUpdateDateTime:      optionalString(g.LastUpdateDateTime),
		ProcessingStartDateTime: optionalString(g.ProcessingStartDateTime),
		ProcessingEndDateTime:   optionalString(g.ProcessingEndDateTime),
		QueryFields:             g.QueryFields,
		CreatedAt:               *meta.WorkflowStartTime,
		UpdatedAt:               now,
		Timestamp:               granuleTimestamp(g, meta),
	}
	if g.CreatedAt != nil {
		rec.CreatedAt = *g.CreatedAt
	}
	if g.UpdatedAt != nil {
		rec.UpdatedAt = *g.UpdatedAt
	}
	return rec
}

// appendErrorEntry adds {Error, Cause} to a stored error, keeping a prior
// non-empty error as the first element of the resulting list.
func appendErrorEntry(prior json.RawMessage, name, cause string) json.RawMessage {
	var list []json.RawMessage
	trimmed := bytes.TrimSpace(prior)
	switch {
	case len(trimmed) == 0, string(trimmed) == "{}", string(trimmed) == "null":
	case trimmed[0] == '[':
		_ = json.Unmarshal(trimmed, &list)
	default:
		list = append(list, json.RawMessage(trimmed))
	}
	entry, _ := json.Marshal(map[string]string{"Error": name, "Cause": cause})
	list = append(list, entry)
	out, _ := json.Marshal(list)
	return out
}

// decodeGranule validates raw against the granule schema and then decodes
// it. On a shape error it returns a bare granule carrying only the id, so a
// failed row can still be recorded.
func decodeGranule(raw json.RawMessage, granuleID string) (g message.Granule, files []message.File, filesPresent bool, err error) {
	bare := message.Granule{GranuleID: granuleID, Raw: raw}
	if err := validateGranule(raw); err != nil {
		return bare, nil, false, err
	}
	g, err = message.DecodeGranule(raw)
	if err != nil {
		return bare, nil, false, err
	}
	files, filesPresent, err = g.FileList()
	if err != nil {
		return bare, nil, false, err
	}
	return g, files, filesPresent, nil
}

func (e Engine) writeGranule(ctx context.Context, wc granuleContext, raw json.RawMessage) GranuleOutcome {
	header := message.ReadGranuleHeader(raw)
	out := GranuleOutcome{GranuleID: header.GranuleID, Outcome: OutcomeSuccess}
	fail := func(err error) GranuleOutcome {
		out.Outcome = OutcomeFailed
		out.Err = err
		out.Error = err.Error()
		return out
	}
	granuleID := header.GranuleID
	if strings.TrimSpace(granuleID) == "" {
		return fail(newError(ErrMalformedMessage, "granule is missing granuleId", nil, nil))
	}
	meta := map[string]any{"granule_id": granuleID}
	log := wc.log.WithFields(meta)
	if wc.msg.CumulusMeta.WorkflowStartTime == nil {
		return fail(newError(ErrMalformedMessage, "cumulus_meta.workflow_start_time is required to write granules", nil, meta))
	}
	if header.FilesNull {
		return fail(newError(ErrMalformedMessage, "granule "+granuleID+" has invalid files", message.ErrNullFiles, meta))
	}

	g, files, filesPresent, verr := decodeGranule(raw, granuleID)
	rec := e.buildGranule(wc, g, files)
	if verr != nil {
		err := newError(ErrSchemaInvalid, "granule "+granuleID+" failed schema validation", verr, meta)
		if domain.IsTerminal(rec.Status) {
			rec.Error = appendErrorEntry(rec.Error, ErrCodeSchemaInvalid, verr.Error())
			if _, ferr := e.Repo.MarkGranuleFailed(ctx, rec); ferr != nil {
				log.Error("failed to record schema failure", "error", ferr)
				return fail(errors.Join(err, ferr))
			}
		}
		return fail(err)
	}

	id, event, written, err := e.upsertGranule(ctx, wc, rec)
	if err != nil {
		return fail(err)
	}
	if !written {
		log.Info("stale granule write dropped", "status", rec.Status)
		out.Outcome = OutcomeDropped
		return out
	}
	out.CumulusID = id
	out.Event = event

	if filesPresent && (domain.IsTerminal(rec.Status) || wc.opts.Force) {
		if ferr := e.writeFiles(ctx, id, files); ferr != nil {
			log.Warn("file write failed, marking granule failed", "error", ferr)
			rec.Error = appendErrorEntry(rec.Error, "Failed writing files", ferr.Error())
			if _, merr := e.Repo.MarkGranuleFailed(ctx, rec); merr != nil {
				return fail(errors.Join(ferr, merr))
			}
			out.Err = ferr
			out.Error = ferr.Error()
		}
	}

	stored, err := e.Repo.GetGranuleByID(ctx, id)
	if err != nil {
		return fail(fmt.Errorf("reload granule %s: %w", granuleID, err))
	}
	record, err := e.TranslateGranule(ctx, stored)
	if err != nil {
		return fail(err)
	}
	if err := e.publish(ctx, e.topics().Granule, event, record); err != nil {
		return fail(fmt.Errorf("publish granule %s: %w", granuleID, err))
	}
	return out
}

// upsertGranule runs the guarded upsert and the execution link in one
// transaction. written=false means the guard dropped the write.
func (e Engine) upsertGranule(ctx context.Context, wc granuleContext, rec domain.Granule) (id int64, event string, written bool, err error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return 0, "", false, err
	}
	defer tx.Rollback()

	other, err := e.Repo.ConflictingCollectionTx(ctx, tx, rec.GranuleID, rec.CollectionCumulusID)
	switch {
	case err == nil:
		return 0, "", false, newError(ErrIdentityConflict,
			fmt.Sprintf("granule %s already exists in another collection", rec.GranuleID), nil,
			map[string]any{"granule_id": rec.GranuleID, "collection_cumulus_id": other})
	case !errors.Is(err, repo.ErrNotFound):
		return 0, "", false, err
	}

	_, existing, err := e.Resolver.lookupGranuleTx(ctx, tx, rec.GranuleID, rec.CollectionCumulusID)
	if err != nil {
		return 0, "", false, err
	}
	id, written, err = e.Repo.UpsertGranuleTx(ctx, tx, rec, !wc.opts.SkipWriteConstraints)
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent first write under another collection won the unique index.
		return 0, "", false, newError(ErrIdentityConflict,
			fmt.Sprintf("granule %s already exists in another collection", rec.GranuleID), err,
			map[string]any{"granule_id": rec.GranuleID})
	}
	if err != nil || !written {
		return 0, "", false, err
	}
	if wc.executionID != nil {
		link := domain.GranuleExecution{GranuleCumulusID: id, ExecutionCumulusID: *wc.executionID}
		if err := e.Repo.UpsertGranuleExecutionTx(ctx, tx, link); err != nil {
			return 0, "", false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, "", false, fmt.Errorf("commit granule %s: %w", rec.GranuleID, err)
	}
	event = domain.EventCreate
	if existing {
		event = domain.EventUpdate
	}
	return id, event, true, nil
}
