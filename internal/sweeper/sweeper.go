// Package sweeper retries stuck or failed scan jobs and finalizes those that
// ran out of retries. It runs when something external triggers it (cron, the
// sweep endpoint, the CLI); nothing in this service schedules it.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/queue"
)

// Config holds the sweep thresholds.
type Config struct {
	StaleAfter  time.Duration
	FailedAfter time.Duration
	MaxRetries  int
	BatchSize   int
}

// Stats summarises one sweep pass.
type Stats struct {
	Requeued     int      `json:"requeued"`
	Finalized    int      `json:"finalized"`
	RequeuedIDs  []string `json:"requeued_ids,omitempty"`
	FinalizedIDs []string `json:"finalized_ids,omitempty"`
}

// CleanupStats reports the rows removed for one user.
type CleanupStats struct {
	QueueItems int64 `json:"queue_items"`
	WinesAdded int64 `json:"wines_added"`
	Scans      int64 `json:"scans"`
}

// Sweeper requeues and finalizes jobs.
type Sweeper struct {
	pool db.Pool
	cfg  Config
	now  func() time.Time
}

// New creates a sweeper.
func New(pool db.Pool, cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.FailedAfter <= 0 {
		cfg.FailedAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{pool: pool, cfg: cfg, now: time.Now}
}

// Sweep runs one pass. Working jobs claimed longer than StaleAfter ago and
// failed jobs older than FailedAfter go back to pending while retry_count is
// under MaxRetries; the rest are failed for good.
func (s *Sweeper) Sweep(ctx context.Context) (*Stats, error) {
	log := zap.L().With(zap.String("component", "sweeper"))
	now := s.now()
	criteria := queue.SweepCriteria{
		StaleBefore:  now.Add(-s.cfg.StaleAfter),
		FailedBefore: now.Add(-s.cfg.FailedAfter),
		MaxRetries:   s.cfg.MaxRetries,
		Limit:        s.cfg.BatchSize,
	}
	store := queue.NewStore(s.pool)

	finalized, err := store.FinalizeExhausted(ctx, criteria)
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: finalize")
	}
	requeued, err := store.RequeueStale(ctx, criteria)
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: requeue")
	}

	stats := &Stats{
		Requeued:     len(requeued),
		Finalized:    len(finalized),
		RequeuedIDs:  requeued,
		FinalizedIDs: finalized,
	}
	if stats.Requeued > 0 || stats.Finalized > 0 {
		log.Info("sweep complete",
			zap.Int("requeued", stats.Requeued),
			zap.Int("finalized", stats.Finalized),
			zap.Int("max_retries", s.cfg.MaxRetries),
		)
	} else {
		log.Debug("sweep found nothing to do")
	}
	return stats, nil
}

// CleanupUser deletes userID's queue items, journal entries and scans in one
// transaction. Catalog rows are shared and left alone.
func (s *Sweeper) CleanupUser(ctx context.Context, userID string) (*CleanupStats, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, eris.Wrapf(err, "sweeper: invalid user id %q", userID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: begin cleanup tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stats CleanupStats
	if stats.QueueItems, err = queue.NewStore(tx).DeleteByUser(ctx, userID); err != nil {
		return nil, eris.Wrap(err, "sweeper: cleanup queue")
	}

	tag, err := tx.Exec(ctx, `DELETE FROM wines_added WHERE user_id = $1`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: cleanup wines_added")
	}
	stats.WinesAdded = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM scans WHERE user_id = $1`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sweeper: cleanup scans")
	}
	stats.Scans = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "sweeper: commit cleanup")
	}

	zap.L().Info("user queue data removed",
		zap.String("component", "sweeper"),
		zap.String("user_id", userID),
		zap.Int64("queue_items", stats.QueueItems),
		zap.Int64("wines_added", stats.WinesAdded),
		zap.Int64("scans", stats.Scans),
	)
	return &stats, nil
}
