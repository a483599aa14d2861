package engine

import (
	"context"
	"fmt"

	"ingestledger/internal/domain"
)

// LookupGranule returns the translated granule. collectionID is a
// name___version identifier; when empty the oldest granule with that id
// wins.
func (e Engine) LookupGranule(ctx context.Context, granuleID, collectionID string) (GranuleRecord, error) {
	var (
		id  int64
		err error
	)
	if collectionID == "" {
		id, err = e.Repo.GranuleCumulusIDByGranuleID(ctx, granuleID)
	} else {
		name, version, ok := domain.ParseCollectionID(collectionID)
		if !ok {
			return GranuleRecord{}, newError(ErrMalformedMessage, "invalid collection id "+collectionID, nil, nil)
		}
		var collection int64
		collection, err = e.Repo.CollectionCumulusID(ctx, name, version)
		if err == nil {
			id, err = e.Repo.GranuleCumulusID(ctx, granuleID, collection)
		}
	}
	if err != nil {
		return GranuleRecord{}, fmt.Errorf("granule %s: %w", granuleID, err)
	}
	g, err := e.Repo.GetGranuleByID(ctx, id)
	if err != nil {
		return GranuleRecord{}, err
	}
	return e.TranslateGranule(ctx, g)
}

// LookupExecution returns the translated execution stored under arn.
func (e Engine) LookupExecution(ctx context.Context, arn string) (ExecutionRecord, error) {
	x, err := e.Repo.GetExecution(ctx, arn)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", arn, err)
	}
	return e.TranslateExecution(ctx, x)
}

// ExecutionGranules lists the ids of granules associated with arn.
func (e Engine) ExecutionGranules(ctx context.Context, arn string) ([]string, error) {
	id, err := e.Repo.ExecutionCumulusID(ctx, arn)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", arn, err)
	}
	ids, err := e.Repo.ListExecutionGranuleIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
