package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"ingestledger/internal/domain"
)

// writeAssociations links every payload granule to the execution. It runs
// whether or not the granule writes succeeded; a granule that was never
// stored is reported as a failure.
func (e Engine) writeAssociations(ctx context.Context, granuleIDs []string, executionCumulusID int64) error {
	unique := make([]string, 0, len(granuleIDs))
	seen := map[string]bool{}
	for _, id := range granuleIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	var (
		mu        sync.Mutex
		failed    = map[string]error{}
		succeeded []string
	)
	var g errgroup.Group
	for _, granuleID := range unique {
		g.Go(func() error {
			err := e.writeAssociation(ctx, granuleID, executionCumulusID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[granuleID] = err
			} else {
				succeeded = append(succeeded, granuleID)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(succeeded)
	return aggregate(ErrCodeAssociationWriteFailed, "granule execution links", failed, succeeded, len(unique))
}

func (e Engine) writeAssociation(ctx context.Context, granuleID string, executionCumulusID int64) error {
	id, found, err := e.Resolver.GranuleByGranuleID(ctx, granuleID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("not found")
	}
	return e.Repo.UpsertGranuleExecution(ctx, domain.GranuleExecution{GranuleCumulusID: id, ExecutionCumulusID: executionCumulusID})
}
