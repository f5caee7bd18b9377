package workflow

import (
	"context"
	"errors"
	"time"

	"lectern/internal/jobs"
	"lectern/internal/logging"
)

const dispatchBatch = 8

// Run starts the dispatcher loop in the background. It claims pending jobs
// up to the configured concurrency and reclaims expired leases.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatcher != nil {
		m.mu.Unlock()
		return errors.New("workflow dispatcher already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.dispatcher = cancel
	m.loopWG.Add(1)
	m.mu.Unlock()

	go m.dispatchLoop(loopCtx)
	return nil
}

// Stop ends the dispatcher, interrupts running executions and waits for them
// to record their outcome.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.dispatcher
	m.dispatcher = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.loopWG.Wait()
	m.rootCancel()
	m.wg.Wait()
}

// Wait blocks until every execution started so far has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.loopWG.Done()
	poll := m.cfg.PollInterval()
	if poll <= 0 {
		poll = time.Second
	}
	for {
		m.reclaimStale(ctx)
		m.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(poll):
		}
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	free := dispatchBatch
	if limit := m.cfg.Workflow.MaxConcurrentJobs; limit > 0 {
		free = limit - m.activeCount()
	}
	if free <= 0 {
		return
	}
	ids, err := m.store.PendingIDs(ctx, free)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			m.logger.Error("failed to fetch pending jobs",
				logging.Error(err),
				logging.String(logging.FieldEventType, "dispatch_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil || m.root.Err() != nil {
			return
		}
		if _, err := m.Start(ctx, id); err != nil {
			if errors.Is(err, jobs.ErrJobActive) || errors.Is(err, jobs.ErrJobTerminal) {
				m.logger.Debug("pending job taken elsewhere", logging.String(logging.FieldJobID, id))
				continue
			}
			m.logStoreError("failed to claim pending job", id, err)
		}
	}
}
