// Package workflow drives stage execution: worker goroutines claim jobs,
// run the registered executors under a stage timeout with heartbeats, and a
// background sweep reclaims jobs whose workers went silent.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"medgate/internal/config"
	"medgate/internal/logging"
	"medgate/internal/pipeline"
	"medgate/internal/queue"
	"medgate/internal/services"
	"medgate/internal/stage"
)

// Store is the queue surface the manager drives. *queue.Store satisfies it.
type Store interface {
	ClaimJob(ctx context.Context, worker string) (*queue.Job, error)
	GetDocument(ctx context.Context, id int64) (*queue.Document, error)
	CompleteJob(ctx context.Context, jobID int64, attemptToken string, result queue.StageResult) (*queue.Job, error)
	FailJob(ctx context.Context, params queue.FailParams) (bool, error)
	GetJob(ctx context.Context, id int64) (*queue.Job, error)
	UpdateHeartbeat(ctx context.Context, jobID int64) error
	SweepTimedOut(ctx context.Context, cutoff time.Time, backoff time.Duration) (int, error)
}

// Manager coordinates the worker pool over the shared store.
type Manager struct {
	cfg          *config.Config
	store        Store
	orchestrator *pipeline.Orchestrator
	logger       *slog.Logger

	mu        sync.Mutex
	executors map[queue.StageKind]stage.Executor
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// NewManager builds a manager; executors are registered before Start.
func NewManager(cfg *config.Config, store Store, orchestrator *pipeline.Orchestrator, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		executors:    make(map[queue.StageKind]stage.Executor),
	}
}

// RegisterExecutor binds an executor to a stage kind. Registering after Start
// is not supported.
func (m *Manager) RegisterExecutor(kind queue.StageKind, executor stage.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[kind] = executor
}

// Start launches the worker pool and the timeout sweep. It returns an error
// when any pipeline stage has no registered executor.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow manager already started")
	}
	for _, kind := range queue.StageOrder() {
		if _, ok := m.executors[kind]; !ok {
			return fmt.Errorf("no executor registered for stage %s", kind)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for i := 0; i < m.cfg.Pipeline.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i+1)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.workerLoop(runCtx, name)
		}()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(runCtx)
	}()

	m.logger.Info("workflow started", logging.Int("workers", m.cfg.Pipeline.Workers))
	return nil
}

// Stop cancels the loops and waits for in-flight jobs to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("workflow stopped")
}

func (m *Manager) workerLoop(ctx context.Context, name string) {
	poll := secondsOrDefault(m.cfg.Pipeline.QueuePollSecs, 5)
	errorRetry := secondsOrDefault(m.cfg.Pipeline.ErrorRetrySecs, 10)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.store.ClaimJob(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("claim failed", logging.Error(err))
			if !sleepCtx(ctx, errorRetry) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, poll) {
				return
			}
			continue
		}
		m.runJob(ctx, job)
	}
}

func (m *Manager) runJob(ctx context.Context, job *queue.Job) {
	ctx = services.WithDocumentID(ctx, job.DocumentID)
	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithStage(ctx, string(job.StageKind))
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, m.logger)

	doc, err := m.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		// A store read error says nothing about the document itself; retry.
		logger.Error("load document for job", logging.Error(err))
		m.reportFailure(ctx, job, "document_load", queue.FailureClassTransient, logger)
		return
	}
	if doc == nil {
		logger.Error("document missing for job")
		m.reportFailure(ctx, job, "document_missing", queue.FailureClassPermanent, logger)
		return
	}

	m.mu.Lock()
	executor := m.executors[job.StageKind]
	m.mu.Unlock()

	stageTimeout := secondsOrDefault(m.cfg.Pipeline.StageTimeoutSecs, 600)
	execCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	stopHeartbeat := m.startHeartbeat(execCtx, job.ID)

	started := time.Now()
	resp, execErr := executor.Execute(execCtx, stage.BuildRequest(job.StageKind, doc))
	elapsed := time.Since(started)
	latency := elapsed.Milliseconds()
	stopHeartbeat()
	cancel()

	if execErr != nil {
		logger.Warn("stage attempt failed", logging.Error(execErr), logging.Int("attempt", job.Attempt))
		m.reportFailure(ctx, job, services.ErrorCode(execErr), string(services.Classify(execErr)), logger)
		return
	}

	output, err := encodeResponse(resp)
	if err != nil {
		logger.Error("encode stage output", logging.Error(err))
		m.reportFailure(ctx, job, "encode_output", queue.FailureClassPermanent, logger)
		return
	}

	completed, err := m.store.CompleteJob(ctx, job.ID, job.AttemptToken,
		pipeline.StageResultFrom(job.StageKind, resp, output, latency))
	if errors.Is(err, queue.ErrStaleAttempt) {
		logger.Warn("late result discarded")
		return
	}
	if err != nil {
		logger.Error("record stage completion", logging.Error(err))
		return
	}

	logger.Info("stage completed", logging.Duration("latency", elapsed))
	if err := m.orchestrator.OnJobSucceeded(ctx, completed); err != nil {
		logger.Error("chain next stage", logging.Error(err))
	}
}

// reportFailure hands the failure to the store's retry policy and surfaces
// finalized failures through the orchestrator.
func (m *Manager) reportFailure(ctx context.Context, job *queue.Job, errorCode, class string, logger *slog.Logger) {
	backoff := secondsOrDefault(m.cfg.Pipeline.RetryBackoffSecs, 5)
	retried, err := m.store.FailJob(ctx, queue.FailParams{
		JobID:        job.ID,
		AttemptToken: job.AttemptToken,
		ErrorCode:    errorCode,
		Class:        class,
		Backoff:      backoff,
	})
	if errors.Is(err, queue.ErrStaleAttempt) {
		logger.Warn("late failure discarded")
		return
	}
	if err != nil {
		logger.Error("record stage failure", logging.Error(err))
		return
	}
	if retried {
		logger.Info("retry scheduled", logging.Int("attempt", job.Attempt+1))
		return
	}
	failed, err := m.store.GetJob(ctx, job.ID)
	if err != nil || failed == nil {
		return
	}
	m.orchestrator.OnJobFailed(ctx, failed)
}

// startHeartbeat refreshes the job's heartbeat until the returned stop
// function is called or the context ends.
func (m *Manager) startHeartbeat(ctx context.Context, jobID int64) func() {
	interval := secondsOrDefault(m.cfg.Pipeline.HeartbeatSecs, 15)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.UpdateHeartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
					m.logger.Warn("heartbeat update failed",
						logging.Int64(logging.FieldJobID, jobID), logging.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (m *Manager) sweepLoop(ctx context.Context) {
	interval := secondsOrDefault(m.cfg.Pipeline.SweepSecs, 30)
	timeout := secondsOrDefault(m.cfg.Pipeline.HeartbeatTimeoutSecs, 120)
	backoff := secondsOrDefault(m.cfg.Pipeline.RetryBackoffSecs, 5)

	// One sweep right away reclaims jobs left running by a previous crash.
	m.sweepOnce(ctx, timeout, backoff)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx, timeout, backoff)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context, timeout, backoff time.Duration) {
	swept, err := m.store.SweepTimedOut(ctx, time.Now().Add(-timeout), backoff)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("timeout sweep failed", logging.Error(err))
		}
		return
	}
	if swept > 0 {
		m.logger.Warn("reclaimed stalled jobs", logging.Int("count", swept))
	}
}

func encodeResponse(resp stage.Response) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func secondsOrDefault(secs, fallback int) time.Duration {
	if secs <= 0 {
		secs = fallback
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
