package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ingestledger/internal/domain"
	"ingestledger/internal/message"
)

type pdrStats struct {
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

func statsFor(p message.Payload) pdrStats {
	s := pdrStats{
		Processing: len(p.Running),
		Completed:  len(p.Completed),
		Failed:     len(p.Failed),
	}
	s.Total = s.Processing + s.Completed + s.Failed
	return s
}

func pdrProgress(status string, s pdrStats) float64 {
	if domain.IsTerminal(status) {
		return 100
	}
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Total) * 100
}

func (e Engine) buildPdr(msg *message.Message, refs references, executionID *int64) (domain.Pdr, error) {
	ref := msg.Payload.Pdr
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return domain.Pdr{}, newError(ErrMalformedMessage, "payload.pdr.name is required", nil, nil)
	}
	meta := map[string]any{"pdr": name}
	if refs.collection == nil {
		return domain.Pdr{}, newError(ErrUnmetRequirements, "collection is required to write pdr "+name, nil, meta)
	}
	if refs.provider == nil {
		return domain.Pdr{}, newError(ErrUnmetRequirements, "provider is required to write pdr "+name, nil, meta)
	}
	start := msg.CumulusMeta.WorkflowStartTime
	if start == nil {
		return domain.Pdr{}, newError(ErrMalformedMessage, "cumulus_meta.workflow_start_time is required to write pdrs", nil, meta)
	}
	status := msg.Status()
	stats := statsFor(msg.Payload)
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return domain.Pdr{}, err
	}
	progress := pdrProgress(status, stats)
	now := e.nowMillis()
	stop := msg.CumulusMeta.WorkflowStopTime
	if stop == nil {
		stop = &now
	}
	return domain.Pdr{
		Name:                name,
		Status:              status,
		CollectionCumulusID: *refs.collection,
		ProviderCumulusID:   *refs.provider,
		ExecutionCumulusID:  executionID,
		Progress:            &progress,
		PanSent:             ref.PANSent,
		PanMessage:          optionalString(ref.PANmessage),
		Stats:               statsJSON,
		Duration:            durationSeconds(start, stop),
		CreatedAt:           *start,
		UpdatedAt:           now,
		Timestamp:           &now,
	}, nil
}

// writePdr upserts the pdr named by the payload and publishes it. A dropped
// write still returns the stored id so granules can reference it.
func (e Engine) writePdr(ctx context.Context, msg *message.Message, refs references, executionID *int64) (*int64, error) {
	p, err := e.buildPdr(msg, refs, executionID)
	if err != nil {
		return nil, err
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, existing, err := e.Resolver.lookupPdrTx(ctx, tx, p.Name)
	if err != nil {
		return nil, err
	}
	id, written, err := e.Repo.UpsertPdrTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if !written {
		id, err := e.Repo.PdrCumulusIDTx(ctx, tx, p.Name)
		if err != nil {
			return nil, err
		}
		e.log().WithFields(map[string]any{"pdr": p.Name}).Info("stale pdr write dropped")
		return idPtr(id), nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pdr %s: %w", p.Name, err)
	}

	stored, err := e.Repo.GetPdrByID(ctx, id)
	if err != nil {
		return idPtr(id), fmt.Errorf("reload pdr %s: %w", p.Name, err)
	}
	record, err := e.TranslatePdr(ctx, stored)
	if err != nil {
		return idPtr(id), err
	}
	event := domain.EventCreate
	if existing {
		event = domain.EventUpdate
	}
	if err := e.publish(ctx, e.topics().Pdr, event, record); err != nil {
		return idPtr(id), fmt.Errorf("publish pdr %s: %w", p.Name, err)
	}
	return idPtr(id), nil
}
