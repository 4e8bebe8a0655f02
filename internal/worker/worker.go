// Package worker drains the background job queues: reputation events and evidence uploads.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/pkg/queue"
)

// JobQueue is the subset of *queue.Queue a processor needs.
type JobQueue interface {
	Dequeue(ctx context.Context, name string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// EventApplier applies reputation events. *reputation.Service implements it.
type EventApplier interface {
	Apply(ctx context.Context, ev reputation.Event) (*models.ReputationRecord, error)
}

// EvidenceStore uploads evidence frames. *storage.S3 implements it.
type EvidenceStore interface {
	UploadEvidence(ctx context.Context, sessionID string, index int, png []byte) (string, error)
}

// ReportUpdater links an uploaded evidence object to its report row.
type ReportUpdater interface {
	SetEvidenceKey(ctx context.Context, reportID uuid.UUID, key string) error
}

// Processor handles one job type.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// ReputationProcessor applies queued reputation events.
type ReputationProcessor struct {
	service EventApplier
	logger  *zap.Logger
}

// NewReputationProcessor creates a reputation event processor.
func NewReputationProcessor(service EventApplier, logger *zap.Logger) *ReputationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReputationProcessor{service: service, logger: logger}
}

// Process executes one reputation event job.
func (p *ReputationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReputationEvent {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var ev reputation.Event
	if err := job.Decode(&ev); err != nil {
		return err
	}
	rec, err := p.service.Apply(ctx, ev)
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	p.logger.Debug("reputation event applied",
		zap.String("job_id", job.ID),
		zap.String("user_id", ev.UserID),
		zap.Int("score", rec.CurrentScore),
	)
	return nil
}

// EvidenceProcessor uploads evidence frames and records their keys.
type EvidenceProcessor struct {
	store   EvidenceStore
	reports ReportUpdater
	logger  *zap.Logger
}

// NewEvidenceProcessor creates an evidence upload processor.
func NewEvidenceProcessor(store EvidenceStore, reports ReportUpdater, logger *zap.Logger) *EvidenceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvidenceProcessor{store: store, reports: reports, logger: logger}
}

// Process executes one evidence upload job.
func (p *EvidenceProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEvidenceUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.EvidenceUploadPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	key, err := p.store.UploadEvidence(ctx, payload.SessionID.String(), payload.Index, payload.PNG)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if payload.ReportID != uuid.Nil && p.reports != nil {
		if err := p.reports.SetEvidenceKey(ctx, payload.ReportID, key); err != nil {
			p.logger.Error("update report evidence key failed", zap.Error(err), zap.String("report_id", payload.ReportID.String()))
			return fmt.Errorf("update db: %w", err)
		}
	}
	p.logger.Info("evidence upload completed", zap.String("session_id", payload.SessionID.String()), zap.String("s3_key", key))
	return nil
}

// Runner is the dequeue loop for one queue.
type Runner struct {
	name      string
	queue     JobQueue
	processor Processor
	backoff   time.Duration
	logger    *zap.Logger
}

// NewRunner creates a loop that feeds jobs from the named queue to processor.
func NewRunner(name string, q JobQueue, processor Processor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{name: name, queue: q, processor: processor, backoff: queue.RetryBackoff, logger: logger}
}

// Run dequeues, processes and retries on error until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopping", zap.String("queue", r.name))
			return
		default:
		}

		job, err := r.queue.Dequeue(ctx, r.name)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("dequeue error", zap.String("queue", r.name), zap.Error(err))
			r.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		r.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := r.processor.Process(ctx, job); err != nil {
			r.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := r.queue.Retry(ctx, job); reErr != nil {
				r.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			r.sleep(ctx)
		}
	}
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
