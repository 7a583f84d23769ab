package api

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/registry"
)

// Runner registers and executes pipeline runs.
type Runner interface {
	Begin() (*registry.Run, error)
	Execute(ctx context.Context, run *registry.Run) (*registry.Run, error)
}

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int // Max concurrent runs (default 1)
	QueueSize     int // Pending runs accepted before Submit fails them (default 16)
}

// RunManager executes submitted pipeline runs in the background.
type RunManager struct {
	cfg      RunManagerConfig
	runner   Runner
	store    *registry.Store
	logger   *zap.Logger
	queue    chan *registry.Run
	pending  map[string]bool
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRunManager creates a run manager.
func NewRunManager(cfg RunManagerConfig, runner Runner, store *registry.Store, logger *zap.Logger) *RunManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunManager{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		logger:  logger.With(zap.String("component", "run_manager")),
		queue:   make(chan *registry.Run, cfg.QueueSize),
		pending: make(map[string]bool),
		running: make(map[string]context.CancelFunc),
	}
}

// Start marks runs left running by a previous process as failed and starts
// the workers.
func (m *RunManager) Start() {
	n, err := m.store.MarkRunningAsFailed("server restarted")
	if err != nil {
		m.logger.Error("failed to mark interrupted runs as failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Warn("interrupted runs marked as failed", zap.Int64("runs", n))
	}

	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop cancels running runs and waits for the workers to exit. Queued runs
// are failed.
func (m *RunManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		for id := range m.pending {
			if err := m.store.FailRun(id, "server stopped before start"); err != nil {
				m.logger.Warn("failed to fail queued run", zap.String("run_id", id), zap.Error(err))
			}
		}
		clear(m.pending)
		for _, cancel := range m.running {
			cancel()
		}
		// Submit checks stopped under mu, so no send follows the close
		close(m.queue)
		m.mu.Unlock()
		m.wg.Wait()
	})
}

func (m *RunManager) worker() {
	defer m.wg.Done()
	for run := range m.queue {
		m.execute(run)
	}
}

func (m *RunManager) execute(run *registry.Run) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	if !m.pending[run.ID] {
		// cancelled while queued
		m.mu.Unlock()
		return
	}
	delete(m.pending, run.ID)
	m.running[run.ID] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, run.ID)
		m.mu.Unlock()
	}()

	if _, err := m.runner.Execute(ctx, run); err != nil {
		m.logger.Warn("run failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	m.logger.Info("run completed", zap.String("run_id", run.ID))
}

// Submit registers a new run and queues it for execution.
func (m *RunManager) Submit() (*registry.Run, error) {
	run, err := m.runner.Begin()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	reason := "server is shutting down"
	if !m.stopped {
		select {
		case m.queue <- run:
			m.pending[run.ID] = true
			reason = ""
		default:
			reason = "run queue is full; try again later"
		}
	}
	m.mu.Unlock()

	if reason != "" {
		if err := m.store.FailRun(run.ID, reason); err != nil {
			return nil, err
		}
	}
	return m.store.GetRun(run.ID)
}

// Cancel stops a queued or running run. It reports whether the run was
// found in either state.
func (m *RunManager) Cancel(runID string) bool {
	m.mu.Lock()
	cancel, running := m.running[runID]
	queued := m.pending[runID]
	delete(m.pending, runID)
	m.mu.Unlock()

	if running {
		cancel()
		return true
	}
	if queued {
		if err := m.store.FailRun(runID, "cancelled before start"); err != nil {
			m.logger.Warn("failed to cancel queued run", zap.String("run_id", runID), zap.Error(err))
		}
		return true
	}
	return false
}
