// Package worker runs the background loops: the email queue and the reply
// poller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"

	"github.com/sirupsen/logrus"
)

var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
)

type QueueConfig struct {
	// Interval between polls of the job table. Default: 1 minute.
	Interval time.Duration
	// BatchSize caps the due jobs handled per tick. Default: 10.
	BatchSize int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Interval:  time.Minute,
		BatchSize: 10,
	}
}

// TickResult summarizes one pass over the due jobs.
type TickResult struct {
	// Busy is set when the tick was skipped because the previous one
	// had not finished.
	Busy      bool
	Due       int
	Sent      int
	Retried   int
	Failed    int
	Cancelled int
	Skipped   int
	Errors    int
}

type QueueStats struct {
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastTickAt   *time.Time `json:"last_tick_at,omitempty"`
	Ticks        int64      `json:"ticks"`
	SkippedTicks int64      `json:"skipped_ticks"`
	JobsHandled  int64      `json:"jobs_handled"`
}

// QueueManager polls for due jobs and hands them to the processor. Ticks
// never overlap.
type QueueManager struct {
	store     store.Store
	processor Processor
	config    QueueConfig
	logger    *logrus.Entry
	now       func() time.Time

	busy atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.RWMutex
	stats   QueueStats
}

func NewQueueManager(st store.Store, processor Processor, config QueueConfig) *QueueManager {
	if config.Interval <= 0 {
		config.Interval = DefaultQueueConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultQueueConfig().BatchSize
	}
	return &QueueManager{
		store:     st,
		processor: processor,
		config:    config,
		logger:    utils.Component("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the polling loop. A non-positive interval keeps the
// configured one. The first tick runs immediately.
func (q *QueueManager) Start(ctx context.Context, interval time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ErrSchedulerAlreadyRunning
	}
	if interval <= 0 {
		interval = q.config.Interval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	now := q.now()
	q.statsMu.Lock()
	q.stats.Running = true
	q.stats.StartedAt = &now
	q.statsMu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"interval":   interval.String(),
		"batch_size": q.config.BatchSize,
	}).Info("Email queue starting")

	q.wg.Add(1)
	go q.runLoop(loopCtx, interval)
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (q *QueueManager) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	q.cancel()
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()

	q.statsMu.Lock()
	q.stats.Running = false
	q.statsMu.Unlock()

	q.logger.Info("Email queue stopped")
	return nil
}

func (q *QueueManager) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *QueueManager) Stats() QueueStats {
	q.statsMu.RLock()
	defer q.statsMu.RUnlock()
	return q.stats
}

func (q *QueueManager) runLoop(ctx context.Context, interval time.Duration) {
	defer q.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick processes one batch of due jobs. When a tick is already running it
// returns immediately with Busy set.
func (q *QueueManager) Tick(ctx context.Context) TickResult {
	if !q.busy.CompareAndSwap(false, true) {
		q.statsMu.Lock()
		q.stats.SkippedTicks++
		q.statsMu.Unlock()
		utils.SchedulerTicks.WithLabelValues("skipped").Inc()
		q.logger.Debug("Previous tick still running, skipping")
		return TickResult{Busy: true}
	}
	defer q.busy.Store(false)

	var res TickResult
	now := q.now()
	defer func() {
		q.statsMu.Lock()
		q.stats.Ticks++
		q.stats.LastTickAt = &now
		q.stats.JobsHandled += int64(res.Due)
		q.statsMu.Unlock()
		utils.SchedulerTicks.WithLabelValues("run").Inc()
	}()

	jobs, err := q.store.DueJobs(ctx, now, q.config.BatchSize)
	if err != nil {
		utils.LogError("due_jobs_failed", err, nil)
		res.Errors++
		return res
	}
	res.Due = len(jobs)
	utils.SchedulerBatchSize.Observe(float64(len(jobs)))
	if len(jobs) == 0 {
		return res
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		outcome, err := q.handle(ctx, job)
		if err != nil {
			res.Errors++
			utils.LogError("job_processing_failed", err, map[string]interface{}{
				"job_id":      job.ID,
				"sequence_id": job.SequenceID,
			})
			continue
		}
		switch outcome {
		case OutcomeSent:
			res.Sent++
		case OutcomeRetried:
			res.Retried++
		case OutcomeFailed:
			res.Failed++
		case OutcomeCancelled:
			res.Cancelled++
		case OutcomeSkipped:
			res.Skipped++
		}
	}

	q.logger.WithFields(logrus.Fields{
		"due":       res.Due,
		"sent":      res.Sent,
		"retried":   res.Retried,
		"failed":    res.Failed,
		"cancelled": res.Cancelled,
		"errors":    res.Errors,
	}).Info("Email queue tick finished")
	return res
}

// handle cancels jobs whose sequence stopped and otherwise runs the processor.
// A panic is turned into an error so the rest of the batch still runs.
func (q *QueueManager) handle(ctx context.Context, job models.EmailJob) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing job %s: %v", job.ID, r)
		}
	}()

	seq, err := q.store.GetSequence(ctx, job.SequenceID)
	if err != nil {
		return "", fmt.Errorf("load sequence %s: %w", job.SequenceID, err)
	}
	if seq.Status != models.SequenceActive {
		reason := fmt.Sprintf("sequence is %s, job cancelled by scheduler", seq.Status)
		if _, err := q.store.CancelJobs(ctx, store.JobFilter{
			JobID:    job.ID,
			Statuses: []models.JobStatus{models.JobScheduled},
		}, reason); err != nil {
			return "", err
		}
		utils.JobsProcessed.WithLabelValues(string(OutcomeCancelled)).Inc()
		return OutcomeCancelled, nil
	}

	return q.processor.Process(ctx, job)
}
