package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"ingestledger/internal/domain"
	"ingestledger/internal/message"
)

func toFile(granuleCumulusID int64, f message.File, now int64) domain.File {
	return domain.File{
		GranuleCumulusID: granuleCumulusID,
		Bucket:           f.Bucket,
		Key:              f.Key,
		FileName:         optionalString(f.FileName),
		ChecksumType:     optionalString(f.ChecksumType),
		ChecksumValue:    optionalString(f.Checksum),
		Size:             f.Size,
		Source:           optionalString(f.Source),
		Path:             optionalString(f.Path),
		Type:             optionalString(f.Type),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// writeFiles upserts the declared files with bounded concurrency and then
// prunes files the declaration no longer names. Any failed upsert skips the
// prune, so the earlier file set is never shrunk by a partial write.
func (e Engine) writeFiles(ctx context.Context, granuleCumulusID int64, files []message.File) error {
	now := e.nowMillis()
	ids := make([]int64, len(files))
	var (
		mu     sync.Mutex
		failed []string
		causes []error
	)
	var g errgroup.Group
	g.SetLimit(e.fileConcurrency())
	for i, f := range files {
		g.Go(func() error {
			id, err := e.Repo.UpsertFile(ctx, e.Repo.DB, toFile(granuleCumulusID, f, now))
			if err != nil {
				mu.Lock()
				failed = append(failed, "s3://"+f.Bucket+"/"+f.Key)
				causes = append(causes, err)
				mu.Unlock()
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return newError(ErrFileWriteFailed,
			fmt.Sprintf("%d of %d files failed to write", len(failed), len(files)),
			errors.Join(causes...),
			map[string]any{"failed_files": failed, "granule_cumulus_id": granuleCumulusID})
	}
	if _, err := e.Repo.DeleteExcessFiles(ctx, e.Repo.DB, granuleCumulusID, ids); err != nil {
		return newError(ErrFileWriteFailed, "failed to prune undeclared files", err,
			map[string]any{"granule_cumulus_id": granuleCumulusID})
	}
	return nil
}
