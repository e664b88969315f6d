package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// ErrCheckpointFailed marks a checkpoint that could not be taken. The step it
// guards must not run.
var ErrCheckpointFailed = errors.New("checkpoint failed")

// ErrBlocked is returned when a checkpoint is requested while the recovery
// queue is non-empty.
var ErrBlocked = errors.New("recovery queue is not empty")

// Middleware couples a snapshotter, the checkpoint history and the recovery
// queue.
type Middleware struct {
	mu      sync.Mutex
	snap    Snapshotter
	history *History
	queue   *RecoveryQueue
	now     func() time.Time
	logger  *slog.Logger

	// unwritten holds a record whose write failed. It blocks like a
	// persisted record until it is written or cleared.
	unwritten *RecoveryRecord
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds the middleware for a workspace. History lives at
// <stateDir>/checkpoints.jsonl.
func New(workspacePath, stateDir string, snap Snapshotter, opts ...Option) (*Middleware, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	history, err := OpenHistory(filepath.Join(stateDir, "checkpoints.jsonl"))
	if err != nil {
		return nil, err
	}
	m := &Middleware{
		snap:    snap,
		history: history,
		queue:   NewRecoveryQueue(workspacePath),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "safety")
	return m, nil
}

// Queue returns the underlying recovery queue.
func (m *Middleware) Queue() *RecoveryQueue {
	return m.queue
}

// Snapshotter returns the configured snapshotter.
func (m *Middleware) Snapshotter() Snapshotter {
	return m.snap
}

// Checkpoint snapshots the workspace for taskID and appends it to history.
// Any failure wraps ErrCheckpointFailed.
func (m *Middleware) Checkpoint(ctx context.Context, taskID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blockedLocked() {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCheckpointFailed, ErrBlocked)
	}

	id, err := m.snap.Snapshot(ctx, taskID)
	if err != nil {
		m.logger.Error("checkpoint failed", "task_id", taskID, "method", m.snap.Name(), "error", err)
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	cp := Checkpoint{
		ID:        id,
		TaskID:    taskID,
		CreatedAt: m.now().UTC(),
		Method:    m.snap.Name(),
	}
	if err := m.history.Append(cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	m.logger.Debug("checkpoint taken", "task_id", taskID, "checkpoint_id", id)
	return cp, nil
}

// Last returns the most recent checkpoint.
func (m *Middleware) Last() (Checkpoint, bool) {
	return m.history.Last()
}

// History returns the checkpoint log.
func (m *Middleware) History() *History {
	return m.history
}

// RecordFailure writes the recovery record naming last as the rollback
// point. A nil last falls back to the latest checkpoint for the task. When
// the write fails the record is kept in memory and the middleware stays
// blocked; watchers from NewWatcher retry the write on every poll.
func (m *Middleware) RecordFailure(taskID, title, reason string, last *Checkpoint) (RecoveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var checkpointID string
	if last != nil {
		checkpointID = last.ID
	} else if cp, ok, err := m.history.LastForTask(taskID); err == nil && ok {
		checkpointID = cp.ID
	}
	if reason == "" {
		reason = "unspecified failure"
	}

	rec := RecoveryRecord{
		TaskID:              taskID,
		Title:               title,
		FailureReason:       reason,
		LastCheckpointID:    checkpointID,
		RollbackInstruction: m.snap.RollbackInstruction(checkpointID),
		RecordedAt:          m.now().UTC(),
	}
	if err := m.queue.Write(rec); err != nil {
		m.unwritten = &rec
		m.logger.Error("recovery record not written, holding it in memory", "task_id", taskID, "reason", reason, "error", err)
		return rec, err
	}
	m.unwritten = nil
	m.logger.Warn("recovery required", "task_id", taskID, "reason", reason, "checkpoint_id", checkpointID)
	return rec, nil
}

// IsBlocked reports whether a recovery record exists, on disk or held in
// memory after a failed write.
func (m *Middleware) IsBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockedLocked()
}

func (m *Middleware) blockedLocked() bool {
	return m.unwritten != nil || m.queue.IsBlocked()
}

// Record returns the current recovery record, if any.
func (m *Middleware) Record() (RecoveryRecord, bool, error) {
	m.mu.Lock()
	pending := m.unwritten
	m.mu.Unlock()
	if pending != nil {
		return *pending, true, nil
	}
	return m.queue.Read()
}

// NewWatcher returns a watcher over this middleware's recovery queue. Each
// poll first retries writing a record held in memory.
func (m *Middleware) NewWatcher(interval time.Duration, logger *slog.Logger) *Watcher {
	w := NewWatcher(m.queue, interval, logger)
	w.blocked = m.retryBlocked
	return w
}

func (m *Middleware) retryBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unwritten != nil {
		if err := m.queue.Write(*m.unwritten); err != nil {
			m.logger.Warn("recovery record still not written", "task_id", m.unwritten.TaskID, "error", err)
			return true
		}
		m.logger.Info("recovery record written on retry", "task_id", m.unwritten.TaskID, "path", m.queue.Path())
		m.unwritten = nil
	}
	return m.queue.IsBlocked()
}

// Clear empties the recovery queue. Only an operator action should call this.
func (m *Middleware) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.queue.Clear(); err != nil {
		return err
	}
	m.unwritten = nil
	m.logger.Info("recovery queue cleared by operator")
	return nil
}

// Restore rolls the workspace back to checkpoint id.
func (m *Middleware) Restore(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.snap.Restore(ctx, id); err != nil {
		return err
	}
	m.logger.Info("workspace restored", "checkpoint_id", id, "method", m.snap.Name())
	return nil
}
