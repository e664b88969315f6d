// Package orchestrator drives the single active task through the hats under
// the safety middleware, the verification gate and the human bridge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zen-systems/captain/pkg/archive"
	"github.com/zen-systems/captain/pkg/audit"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/hat"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/status"
	"github.com/zen-systems/captain/pkg/task"
)

// Deps are the loop's collaborators. Hats, Safety, Bridge and Bus are
// required; the observers are optional.
type Deps struct {
	Hats    hat.Registry
	Safety  *safety.Middleware
	Bridge  *human.Bridge
	Bus     *bus.Bus
	Watcher *safety.Watcher

	Recorder    *audit.Recorder
	Status      *status.Writer
	Archive     *archive.Store
	EvidenceDir string

	Logger *slog.Logger
	Now    func() time.Time
}

// Result is the terminal outcome of one task.
type Result struct {
	TaskID      string  `json:"task_id"`
	Outcome     string  `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	Iterations  int     `json:"iterations"`
	Blocks      int     `json:"blocks"`
	CostUSD     float64 `json:"cost_usd"`
	EvidenceDir string  `json:"evidence_dir,omitempty"`
}

// OutcomeInterrupted marks a task stopped by context cancellation.
const OutcomeInterrupted = "interrupted"

// Loop is the orchestration state machine. One task is active at a time.
type Loop struct {
	workspace string
	limits    config.LoopConfig

	hats     hat.Registry
	safety   *safety.Middleware
	bridge   *human.Bridge
	bus      *bus.Bus
	watcher  *safety.Watcher
	recorder *audit.Recorder
	status   *status.Writer
	archive  *archive.Store
	evidence string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	active   *task.Intent
	progress progress

	intents chan task.Intent
	halted  chan struct{}
}

// progress is the copy of the active task's counters that Snapshot reads.
type progress struct {
	correlationID string
	hat           hat.Kind
	mode          string
	strategy      *gate.Strategy
	iteration     int
	blocks        int
	cost          float64
	started       time.Time
}

// New builds a loop. A non-empty recovery record puts it straight into
// Halted.
func New(cfg *config.Config, deps Deps) (*Loop, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if deps.Safety == nil || deps.Bridge == nil || deps.Bus == nil {
		return nil, errors.New("orchestrator: safety, bridge and bus are required")
	}
	if missing := deps.Hats.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: no hat registered for %v", missing)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	watcher := deps.Watcher
	if watcher == nil {
		watcher = deps.Safety.NewWatcher(cfg.Loop.RecoveryPollInterval, logger)
	}

	l := &Loop{
		workspace: cfg.Workspace,
		limits:    cfg.Loop,
		hats:      deps.Hats,
		safety:    deps.Safety,
		bridge:    deps.Bridge,
		bus:       deps.Bus,
		watcher:   watcher,
		recorder:  deps.Recorder,
		status:    deps.Status,
		archive:   deps.Archive,
		evidence:  deps.EvidenceDir,
		logger:    logger.With("component", "loop"),
		now:       now,
		state:     StateIdle,
		intents:   make(chan task.Intent, 1),
		halted:    make(chan struct{}, 1),
	}

	if l.safety.IsBlocked() {
		l.state = StateHalted
		l.signalHalted()
		l.logger.Warn("recovery record present at startup, entering Halted", "path", l.safety.Queue().Path())
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the status mirror of the loop.
func (l *Loop) Snapshot() status.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loop) snapshotLocked() status.Status {
	s := status.Status{
		State:     string(l.state),
		UpdatedAt: l.now().UTC(),
	}
	s.Health.MaxIterations = l.limits.MaxIterations
	if l.active != nil {
		p := l.progress
		s.Objective = l.active.Title
		s.ActiveTask = status.TaskInfo{
			ID:    l.active.ID,
			Title: l.active.Title,
			Hat:   string(p.hat),
			Mode:  p.mode,
		}
		if p.strategy != nil {
			s.ActiveTask.RiskTier = p.strategy.Tier.String()
			s.ActiveTask.Strategy = p.strategy.Summary()
		}
		s.Health.Iteration = p.iteration
		s.Health.Blocks = p.blocks
		s.Health.CumulativeCost = p.cost
		s.Health.ElapsedSeconds = int64(l.now().Sub(p.started).Seconds())
	}
	if cp, ok := l.safety.Last(); ok {
		s.Safety.LastCheckpointID = cp.ID
	}
	s.Safety.IsHalted = l.state == StateHalted
	if rec, ok, err := l.safety.Record(); err == nil && ok {
		s.Safety.RecoveryBlocked = true
		s.Safety.RecoveryReason = rec.FailureReason
	} else if err != nil {
		s.Safety.RecoveryBlocked = true
	}
	if req, ok := l.bridge.Pending(); ok {
		s.Pending = &req
	}
	return s
}

// Submit queues intent for Run. It fails with ErrHalted while a recovery
// record exists and ErrBusy while another task is active or queued.
func (l *Loop) Submit(intent task.Intent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateHalted || l.safety.IsBlocked() {
		return ErrHalted
	}
	if l.state != StateIdle {
		return ErrBusy
	}
	select {
	case l.intents <- intent:
	default:
		return ErrBusy
	}
	l.logger.Info("task queued", "task_id", intent.ID, "title", intent.Title)
	return nil
}

// Run executes submitted intents until ctx is cancelled. The recovery
// supervisor runs alongside and stops with ctx.
func (l *Loop) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.superviseRecovery(ctx)
	}()
	defer wg.Wait()

	l.writeStatus(nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent := <-l.intents:
			res, err := l.RunTask(ctx, intent)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err != nil:
				l.logger.Error("task did not run", "task_id", intent.ID, "error", err)
			default:
				l.logger.Info("task finished", "task_id", res.TaskID, "outcome", res.Outcome, "iterations", res.Iterations)
			}
		}
	}
}

// RunTask drives intent to a terminal outcome on the calling goroutine.
// Completed, abandoned and halted tasks return a nil error; the outcome is
// in the Result.
func (l *Loop) RunTask(ctx context.Context, intent task.Intent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}
	run, err := l.begin(ctx, intent)
	if err != nil {
		return Result{}, err
	}

	ctx, span := startTaskSpan(ctx, intent, run.correlationID)
	res, err := l.drive(ctx, run)
	endTaskSpan(span, res.Outcome, res.Iterations, res.CostUSD, err)
	return res, err
}

// superviseRecovery waits for each halt, then for the recovery record to be
// cleared externally, and returns the loop to Idle.
func (l *Loop) superviseRecovery(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.halted:
		}

		if err := l.watcher.WaitClear(ctx); err != nil {
			return
		}

		l.mu.Lock()
		err := l.transitionLocked(StateIdle)
		corr := l.progress.correlationID
		l.mu.Unlock()
		if err != nil {
			l.logger.Error("resume failed", "error", err)
			continue
		}

		l.logger.Info("recovery record cleared, loop resumed")
		if l.recorder != nil {
			l.recorder.Resumed(context.WithoutCancel(ctx), corr)
		}
		l.writeStatus(nil)
	}
}

func (l *Loop) signalHalted() {
	select {
	case l.halted <- struct{}{}:
	default:
	}
}

func (l *Loop) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(to)
}

func (l *Loop) transitionLocked(to State) error {
	if err := ValidateTransition(l.state, to); err != nil {
		return err
	}
	l.logger.Debug("state transition", "from", l.state, "to", to)
	l.state = to
	return nil
}

// writeStatus regenerates the status mirrors. pending overrides the bridge
// view for a request that is about to be asked.
func (l *Loop) writeStatus(pending *human.Request) {
	if l.status == nil {
		return
	}
	s := l.Snapshot()
	if pending != nil {
		s.Pending = pending
	}
	if err := l.status.Write(s); err != nil {
		l.logger.Warn("status write failed", "error", err)
	}
}
