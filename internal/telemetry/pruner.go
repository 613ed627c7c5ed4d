package telemetry

import (
	"context"
	"time"

	"tacit/internal/store"
)

// PruneResult reports one retention pass.
type PruneResult struct {
	Removed   int64
	Compacted bool
}

// Prune deletes log rows older than retention in bounded batches and
// compacts the database when a pass removed enough to matter.
func Prune(ctx context.Context, s *store.Store, retention time.Duration, batch int) (PruneResult, error) {
	cutoff := store.FormatTime(time.Now().UTC().Add(-retention))

	var res PruneResult
	for {
		n, err := s.PruneLogs(cutoff, batch)
		if err != nil {
			return res, err
		}
		res.Removed += n
		if n < int64(batch) {
			break
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	if res.Removed >= int64(batch) {
		if err := s.Compact(ctx); err != nil {
			return res, err
		}
		res.Compacted = true
	}
	return res, nil
}
