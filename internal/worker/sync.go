package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
)

// RankingSource is the live ranking store
type RankingSource interface {
	ScanRankings(ctx context.Context, batchSize int, details bool, fn func([]*domain.RankingRecord) error) error
	CountRankings(ctx context.Context) (int64, error)
	RestoreRanking(ctx context.Context, rec *domain.RankingRecord) error
}

// Archive is the durable copy of the ranking records
type Archive interface {
	BatchUpsertRankings(ctx context.Context, records []*domain.RankingRecord) error
	ListArchivedRankings(ctx context.Context, batchSize int, fn func([]*domain.RankingRecord) error) error
}

// SyncWorker periodically copies ranking records from Redis to PostgreSQL
type SyncWorker struct {
	source  RankingSource
	archive Archive
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	source RankingSource,
	archive Archive,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		source:  source,
		archive: archive,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.SyncToDatabase(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

func (w *SyncWorker) batchSize() int {
	if w.config.BatchSize <= 0 {
		return 1000
	}
	return w.config.BatchSize
}

// SyncToDatabase copies every ranking record to the archive and returns how
// many were written
func (w *SyncWorker) SyncToDatabase(ctx context.Context) (int, error) {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	synced := 0
	err := w.source.ScanRankings(ctx, w.batchSize(), true, func(batch []*domain.RankingRecord) error {
		if err := w.archive.BatchUpsertRankings(ctx, batch); err != nil {
			return err
		}
		synced += len(batch)
		metrics.RecordArchived(len(batch))
		return nil
	})
	if err != nil {
		return synced, err
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", synced,
	)
	return synced, nil
}

// SyncFromDatabase restores ranking records from the archive into Redis.
// Redis is left alone unless it holds no rankings at all.
// This is useful for recovery or initialization
func (w *SyncWorker) SyncFromDatabase(ctx context.Context) (int, error) {
	count, err := w.source.CountRankings(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		w.logger.Debug("redis already holds rankings, skipping restore", "count", count)
		return 0, nil
	}

	restored := 0
	err = w.archive.ListArchivedRankings(ctx, w.batchSize(), func(batch []*domain.RankingRecord) error {
		for _, rec := range batch {
			if err := w.source.RestoreRanking(ctx, rec); err != nil {
				w.logger.Error("failed to restore ranking",
					"user_id", rec.UserID,
					"error", err,
				)
				// Continue with other records
				continue
			}
			restored++
		}
		return nil
	})
	if err != nil {
		return restored, err
	}

	w.logger.Info("restored rankings from database", "count", restored)
	return restored, nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) (int, error) {
	return w.SyncToDatabase(ctx)
}
