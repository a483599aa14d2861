package engine

import (
	"context"
	"errors"

	"ingestledger/internal/message"
	"ingestledger/internal/repo"
)

// Resolver maps natural keys to surrogate ids. A missing row is reported as
// found=false with a nil error; only backend failures return an error.
type Resolver struct {
	Repo repo.Repo
}

func soft(id int64, err error) (int64, bool, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Resolver) Collection(ctx context.Context, name, version string) (int64, bool, error) {
	return soft(r.Repo.CollectionCumulusID(ctx, name, version))
}

func (r Resolver) Provider(ctx context.Context, name string) (int64, bool, error) {
	return soft(r.Repo.ProviderCumulusID(ctx, name))
}

func (r Resolver) AsyncOperation(ctx context.Context, id string) (int64, bool, error) {
	return soft(r.Repo.AsyncOperationCumulusID(ctx, id))
}

func (r Resolver) Execution(ctx context.Context, arn string) (int64, bool, error) {
	return soft(r.Repo.ExecutionCumulusID(ctx, arn))
}

func (r Resolver) ExecutionByURL(ctx context.Context, url string) (int64, bool, error) {
	return soft(r.Repo.ExecutionCumulusIDByURL(ctx, url))
}

func (r Resolver) Granule(ctx context.Context, granuleID string, collectionCumulusID int64) (int64, bool, error) {
	return soft(r.Repo.GranuleCumulusID(ctx, granuleID, collectionCumulusID))
}

func (r Resolver) GranuleByGranuleID(ctx context.Context, granuleID string) (int64, bool, error) {
	return soft(r.Repo.GranuleCumulusIDByGranuleID(ctx, granuleID))
}

// references are the message-level dependencies resolved before any write.
// A nil id means the message did not name the reference.
type references struct {
	collection      *int64
	collectionName  string
	asyncOperation  *int64
	parentExecution *int64
	provider        *int64
}

func idPtr(id int64) *int64 {
	return &id
}

// requireReference converts a soft lookup into an eligibility failure when
// the message named the reference but the store does not hold it.
func requireReference(kind, key string, id int64, found bool, err error) (*int64, error) {
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(ErrUnmetRequirements, kind+" "+key+" not found", nil, map[string]any{
			"reference": kind,
			"key":       key,
		})
	}
	return idPtr(id), nil
}

func (r Resolver) collectionRef(ctx context.Context, msg *message.Message) (*int64, string, error) {
	name, version, ok := msg.Collection()
	if !ok {
		return nil, "", nil
	}
	key := name + "___" + version
	id, found, err := r.Collection(ctx, name, version)
	ref, err := requireReference("collection", key, id, found, err)
	return ref, key, err
}

func (r Resolver) asyncOperationRef(ctx context.Context, msg *message.Message) (*int64, error) {
	key := msg.CumulusMeta.AsyncOperationID
	if key == "" {
		return nil, nil
	}
	id, found, err := r.AsyncOperation(ctx, key)
	return requireReference("async operation", key, id, found, err)
}

func (r Resolver) parentExecutionRef(ctx context.Context, msg *message.Message) (*int64, error) {
	key := msg.CumulusMeta.ParentExecutionArn
	if key == "" {
		return nil, nil
	}
	id, found, err := r.Execution(ctx, key)
	return requireReference("parent execution", key, id, found, err)
}

func (r Resolver) lookupExecutionTx(ctx context.Context, q repo.Querier, arn string) (int64, bool, error) {
	return soft(r.Repo.ExecutionCumulusIDTx(ctx, q, arn))
}

func (r Resolver) lookupGranuleTx(ctx context.Context, q repo.Querier, granuleID string, collectionCumulusID int64) (int64, bool, error) {
	return soft(r.Repo.GranuleCumulusIDTx(ctx, q, granuleID, collectionCumulusID))
}

func (r Resolver) lookupPdrTx(ctx context.Context, q repo.Querier, name string) (int64, bool, error) {
	return soft(r.Repo.PdrCumulusIDTx(ctx, q, name))
}
