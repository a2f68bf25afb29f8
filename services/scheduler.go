package services

import (
	"context"
	"time"

	"docqa-platform/internal/logger"
	"docqa-platform/models"

	"github.com/go-co-op/gocron"
)

// MaintenanceIndex is the part of the document index the scheduled jobs touch
type MaintenanceIndex interface {
	List(ctx context.Context) []models.DocumentSummary
	EnsureEmbedded(ctx context.Context, id string) (*models.EmbeddingOutcome, error)
	Evict(cutoff time.Time) int
}

// SchedulerOptions sets the job intervals. A zero value disables that job.
type SchedulerOptions struct {
	RetrySweepInterval time.Duration
	SessionTTL         time.Duration
	DocumentTTL        time.Duration
}

// Scheduler runs periodic maintenance over documents and sessions
type Scheduler struct {
	scheduler *gocron.Scheduler
	index     MaintenanceIndex
	sessions  *SessionStore
	opts      SchedulerOptions
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewScheduler(index MaintenanceIndex, sessions *SessionStore, opts SchedulerOptions) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()

	sch := &Scheduler{
		scheduler: s,
		index:     index,
		sessions:  sessions,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}

	if opts.RetrySweepInterval > 0 {
		if err := sch.scheduleInterval("retry-embeddings", opts.RetrySweepInterval, sch.RetryFailedEmbeddings); err != nil {
			cancel()
			return nil, err
		}
	}
	if opts.SessionTTL > 0 && sessions != nil {
		interval := opts.SessionTTL / 4
		if interval < time.Minute {
			interval = time.Minute
		}
		if err := sch.scheduleInterval("evict-sessions", interval, sch.EvictSessions); err != nil {
			cancel()
			return nil, err
		}
	}
	if opts.DocumentTTL > 0 {
		interval := opts.DocumentTTL / 4
		if interval < time.Minute {
			interval = time.Minute
		}
		if err := sch.scheduleInterval("evict-documents", interval, sch.EvictDocuments); err != nil {
			cancel()
			return nil, err
		}
	}
	return sch, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels running jobs
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) scheduleInterval(tag string, every time.Duration, job func()) error {
	_, err := s.scheduler.Every(every).Tag(tag).WaitForSchedule().Do(job)
	return err
}

// RetryFailedEmbeddings starts another pass for every document whose failed
// chunks include a transient failure
func (s *Scheduler) RetryFailedEmbeddings() {
	retried := 0
	for _, doc := range s.index.List(s.ctx) {
		if doc.State != models.DocumentEmbeddingFailed || doc.Retryable == 0 {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		outcome, err := s.index.EnsureEmbedded(s.ctx, doc.ID)
		if err != nil {
			logger.Warn("Scheduled re-embed failed", "document_id", doc.ID, "error", err)
			continue
		}
		retried++
		logger.Info("Scheduled re-embed finished",
			"document_id", doc.ID,
			"status", string(outcome.Kind),
			"successful", outcome.Successful,
			"total", outcome.Total)
	}
	if retried > 0 {
		logger.Info("Embedding retry sweep done", "documents", retried)
	}
}

// EvictSessions drops sessions idle longer than the session TTL
func (s *Scheduler) EvictSessions() {
	if n := s.sessions.Evict(s.opts.SessionTTL); n > 0 {
		logger.Info("Evicted idle sessions", "count", n)
	}
}

// EvictDocuments drops documents not touched within the document TTL from memory
func (s *Scheduler) EvictDocuments() {
	if n := s.index.Evict(time.Now().Add(-s.opts.DocumentTTL)); n > 0 {
		logger.Info("Evicted idle documents", "count", n)
	}
}
