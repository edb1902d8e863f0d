package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/queue"
)

// Worker processes scheduled backup jobs from the queue.
type Worker struct {
	orchestrator *Service
	queue        queue.Queue
	logger       *slog.Logger

	concurrency int
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewWorker creates a backup worker.
func NewWorker(orchestrator *Service, q queue.Queue, concurrency int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		orchestrator: orchestrator,
		queue:        q,
		logger:       logger,
		concurrency:  concurrency,
		stopCh:       make(chan struct{}),
	}
}

// Enqueue prepares a pending backup record for the spec and queues a job
// for it. The record id doubles as the job id.
func (w *Worker) Enqueue(ctx context.Context, spec models.BackupSpec) (*models.Backup, error) {
	spec.TriggerType = models.TriggerScheduled

	b, err := w.orchestrator.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}

	job := &models.BackupJob{
		ID:        b.ID,
		BackupID:  b.ID,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	return b, nil
}

// Start begins processing backup jobs from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting backup worker", "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("stopping backup worker")
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("backup worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
			job, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrNoJobs) {
					time.Sleep(1 * time.Second)
					continue
				}
				logger.Error("failed to dequeue job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if err := w.processJob(ctx, job); err != nil {
				logger.Error("failed to process job",
					"backup_id", job.BackupID,
					"error", err,
				)
				if nackErr := w.queue.Nack(ctx, job.BackupID); nackErr != nil {
					logger.Error("failed to nack job", "backup_id", job.BackupID, "error", nackErr)
				}
				continue
			}

			if err := w.queue.Ack(ctx, job.BackupID); err != nil {
				logger.Error("failed to ack job", "backup_id", job.BackupID, "error", err)
			}
		}
	}
}

// processJob runs a single scheduled backup. A busy project lease is the
// only retryable outcome; run failures are recorded on the backup row and
// the job is considered processed.
func (w *Worker) processJob(ctx context.Context, job *models.BackupJob) error {
	w.logger.Info("processing backup job", "backup_id", job.BackupID)

	err := w.orchestrator.Run(ctx, job.BackupID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProjectBusy):
		return err
	case errors.Is(err, ErrBackupNotFound):
		// Record deleted out from under the queue; drop the job.
		w.logger.Warn("backup record missing for queued job", "backup_id", job.BackupID)
		return nil
	default:
		var stateErr *InvalidStateError
		if errors.As(err, &stateErr) {
			// Cancelled or already processed before the worker got to it.
			w.logger.Info("skipping job in terminal state", "backup_id", job.BackupID, "status", stateErr.Status)
			return nil
		}
		return err
	}
}
