package engine

import (
	"context"
	"fmt"

	"ingestledger/internal/domain"
	"ingestledger/internal/message"
)

func durationSeconds(start, stop *int64) *float64 {
	if start == nil || stop == nil {
		return nil
	}
	d := float64(*stop-*start) / 1000
	return &d
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e Engine) buildExecution(msg *message.Message, arn string, refs references) (domain.Execution, error) {
	status := msg.Status()
	if status == "" {
		return domain.Execution{}, newError(ErrMalformedMessage, "meta.status is required", nil, map[string]any{"arn": arn})
	}
	start := msg.CumulusMeta.WorkflowStartTime
	if start == nil {
		return domain.Execution{}, newError(ErrMalformedMessage, "cumulus_meta.workflow_start_time is required", nil, map[string]any{"arn": arn})
	}
	now := e.nowMillis()
	url := message.ExecutionURL(arn)
	x := domain.Execution{
		Arn:                     arn,
		URL:                     &url,
		Status:                  status,
		CumulusVersion:          optionalString(msg.CumulusMeta.CumulusVersion),
		Tasks:                   msg.Meta.WorkflowTasks,
		WorkflowName:            optionalString(msg.Meta.WorkflowName),
		Error:                   msg.Error(),
		Duration:                durationSeconds(start, msg.CumulusMeta.WorkflowStopTime),
		AsyncOperationCumulusID: refs.asyncOperation,
		CollectionCumulusID:     refs.collection,
		ParentCumulusID:         refs.parentExecution,
		CreatedAt:               *start,
		UpdatedAt:               now,
		Timestamp:               &now,
	}
	if payload := msg.Payload.Raw; len(payload) > 0 {
		if domain.IsTerminal(status) {
			x.FinalPayload = payload
		} else {
			x.OriginalPayload = payload
		}
	}
	return x, nil
}

// writeExecution upserts the execution in its own transaction and publishes
// the committed row. A publish failure is returned after the commit.
func (e Engine) writeExecution(ctx context.Context, msg *message.Message, arn string, refs references) (int64, error) {
	x, err := e.buildExecution(msg, arn, refs)
	if err != nil {
		return 0, err
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	_, existing, err := e.Resolver.lookupExecutionTx(ctx, tx, arn)
	if err != nil {
		return 0, err
	}
	id, err := e.Repo.UpsertExecutionTx(ctx, tx, x)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit execution %s: %w", arn, err)
	}

	stored, err := e.Repo.GetExecutionByID(ctx, id)
	if err != nil {
		return id, fmt.Errorf("reload execution %s: %w", arn, err)
	}
	record, err := e.TranslateExecution(ctx, stored)
	if err != nil {
		return id, err
	}
	event := domain.EventCreate
	if existing {
		event = domain.EventUpdate
	}
	if err := e.publish(ctx, e.topics().Execution, event, record); err != nil {
		return id, fmt.Errorf("publish execution %s: %w", arn, err)
	}
	return id, nil
}
