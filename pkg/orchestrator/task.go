package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/captain/pkg/archive"
	"github.com/zen-systems/captain/pkg/attest"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/evidence"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/hat"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/repair"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/task"
	"github.com/zen-systems/captain/pkg/triage"
)

// taskRun is the loop goroutine's private view of the active task.
type taskRun struct {
	intent        task.Intent
	correlationID string
	budget        *budget
	writer        *evidence.Writer
	record        evidence.TaskRecord

	next      hat.Kind
	routing   *triage.Decision
	plan      string
	strategy  *gate.Strategy
	decisions []string
	candidate *hat.Outcome

	// prefix is the pending human directive; it is consumed by the next
	// dispatch only.
	prefix   string
	feedback string
	rejected string

	// retries counts blocks since the last human grant; tries counts every
	// executor dispatch; blocks counts every build.blocked.
	retries int
	tries   int
	blocks  int

	firstCheckpoint *safety.Checkpoint
	lastCheckpoint  *safety.Checkpoint

	// step is the record of the iteration in flight until it is written.
	step        *evidence.StepRecord
	stepStarted time.Time
}

func (r *taskRun) activeStrategy() gate.Strategy {
	if r.strategy == nil {
		return gate.Strategy{}
	}
	return *r.strategy
}

func (r *taskRun) result(outcome, reason string) Result {
	res := Result{
		TaskID:     r.intent.ID,
		Outcome:    outcome,
		Reason:     reason,
		Iterations: r.budget.iterations,
		Blocks:     r.blocks,
		CostUSD:    r.budget.totalAmount,
	}
	if r.writer != nil {
		res.EvidenceDir = r.writer.TaskDir()
	}
	return res
}

// begin claims the loop for intent: Idle -> Running.
func (l *Loop) begin(ctx context.Context, intent task.Intent) (*taskRun, error) {
	started := l.now()
	run := &taskRun{
		intent:        intent,
		correlationID: uuid.NewString(),
		budget:        newBudget(l.limits, started),
		next:          hat.KindTriage,
		record: evidence.TaskRecord{
			ID:          intent.ID,
			Title:       intent.Title,
			Description: intent.Description,
			Workspace:   l.workspace,
			StartedAt:   started.UTC(),
		},
	}

	l.mu.Lock()
	if l.state == StateHalted || l.safety.IsBlocked() {
		l.mu.Unlock()
		return nil, ErrHalted
	}
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	if err := l.transitionLocked(StateRunning); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.active = &run.intent
	l.progress = progress{correlationID: run.correlationID, hat: run.next, started: started}
	l.mu.Unlock()

	if l.evidence != "" {
		w, err := evidence.NewWriter(l.evidence, intent.ID)
		if err != nil {
			l.logger.Warn("evidence disabled for task", "task_id", intent.ID, "error", err)
		} else {
			run.writer = w
			l.writeTaskRecord(run)
		}
	}

	l.logger.Info("task started", "task_id", intent.ID, "title", intent.Title, "correlation_id", run.correlationID)
	l.publish(ctx, run, bus.TopicTaskStart, "", bus.TaskPayload{
		TaskID:      intent.ID,
		Title:       intent.Title,
		Description: intent.Description,
	})
	return run, nil
}

// drive runs iterations until the task reaches a terminal outcome.
func (l *Loop) drive(ctx context.Context, run *taskRun) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return l.interrupt(ctx, run, err)
		}

		// Re-check the recovery artifact and the limits before any dispatch.
		if l.safety.IsBlocked() {
			return l.halt(ctx, run, "recovery record present before iteration")
		}
		if err := run.budget.check(l.now()); err != nil {
			return l.halt(ctx, run, err.Error())
		}
		if req, ok := l.bridge.Pending(); ok {
			return l.halt(ctx, run, fmt.Sprintf("%v: %s", human.ErrRequestOutstanding, req.ID))
		}

		run.budget.iterations++
		l.updateProgress(run)
		l.writeStatus(nil)

		cp, err := l.safety.Checkpoint(ctx, run.intent.ID)
		if err != nil {
			if ctx.Err() != nil {
				return l.interrupt(ctx, run, ctx.Err())
			}
			return l.halt(ctx, run, err.Error())
		}
		run.lastCheckpoint = &cp
		if run.firstCheckpoint == nil {
			run.firstCheckpoint = &cp
		}
		l.updateProgress(run)

		rec := evidence.StepRecord{
			Iteration:     run.budget.iterations,
			Hat:           string(run.next),
			CheckpointID:  cp.ID,
			ContextPrefix: run.prefix,
		}
		start := l.now()
		out, err := l.dispatch(ctx, run, cp)
		l.describeStep(run, &rec, out)
		if err != nil {
			rec.Error = err.Error()
			rec.DurationMillis = l.now().Sub(start).Milliseconds()
			l.writeStep(run, rec)
			if ctx.Err() != nil {
				return l.interrupt(ctx, run, ctx.Err())
			}
			return l.halt(ctx, run, fmt.Sprintf("%s step failed: %v", rec.Hat, err))
		}

		run.step, run.stepStarted = &rec, start
		done, res, err := l.advance(ctx, run, out, &rec)
		l.flushStep(run)
		if done {
			return res, err
		}
	}
}

// dispatch hands one step to the hat selected for run.next. The human
// directive prefix, if any, is consumed here.
func (l *Loop) dispatch(ctx context.Context, run *taskRun, cp safety.Checkpoint) (hat.Outcome, error) {
	h, err := l.hats.Get(run.next)
	if err != nil {
		return hat.Outcome{}, err
	}
	if run.next == hat.KindExecutor {
		run.tries++
	}

	step := hat.StepContext{
		Task:      run.intent,
		Iteration: run.budget.iterations,
		Attempt:   run.tries,
		Workspace: l.workspace,
		Prefix:    run.prefix,
		Routing:   run.routing,
		Plan:      run.plan,
		Strategy:  run.strategy,
		Decisions: append([]string(nil), run.decisions...),
		Feedback:  run.feedback,
		Candidate: run.candidate,
	}
	run.prefix = ""

	ctx, span := startIterationSpan(ctx, step.Iteration, string(run.next), cp.ID)
	l.logger.Debug("dispatching step", "task_id", run.intent.ID, "hat", run.next, "iteration", step.Iteration, "checkpoint_id", cp.ID)
	out, err := h.Handle(ctx, step)
	run.budget.recordReports(out.Calls)
	endIterationSpan(span, string(out.Topic), err)
	return out, err
}

// advance applies one outcome to the task. done reports a terminal outcome.
func (l *Loop) advance(ctx context.Context, run *taskRun, out hat.Outcome, rec *evidence.StepRecord) (bool, Result, error) {
	if out.Question != nil {
		return l.resolveAmbiguity(ctx, run, *out.Question, rec)
	}

	switch run.next {
	case hat.KindTriage:
		if out.Routing == nil {
			return l.haltDone(ctx, run, "triage produced no routing decision")
		}
		run.routing = out.Routing
		l.publish(ctx, run, bus.TopicTriageDecision, hat.KindTriage, bus.TriagePayload{
			TaskID:     run.intent.ID,
			Mode:       out.Routing.Mode.String(),
			Confidence: out.Routing.Confidence,
			Reason:     out.Routing.Reason,
			Forced:     out.Routing.Forced,
			UsedLLM:    out.Routing.UsedLLM,
		})
		run.record.Routing = &evidence.RoutingRecord{
			Mode:       out.Routing.Mode.String(),
			Confidence: out.Routing.Confidence,
			Reason:     out.Routing.Reason,
			UsedLLM:    out.Routing.UsedLLM,
		}
		if out.Routing.Mode == triage.ModeFull {
			run.next = hat.KindPlanner
		} else {
			run.next = hat.KindTestArchitect
		}

	case hat.KindPlanner:
		run.plan = out.Plan
		run.next = hat.KindTestArchitect

	case hat.KindTestArchitect:
		if out.Strategy == nil {
			return l.haltDone(ctx, run, "test architect produced no strategy")
		}
		strategy := *out.Strategy
		run.strategy = &strategy
		run.record.Strategy = &strategy
		l.publish(ctx, run, bus.TopicTestStrategy, hat.KindTestArchitect, bus.StrategyPayload{
			TaskID:             run.intent.ID,
			Tier:               int(strategy.Tier),
			CoverageThreshold:  strategy.CoverageThreshold,
			RequiredCategories: strategy.RequiredCategories,
			HardGates:          strategy.HardGates,
			Scope:              strategy.Scope,
			Reason:             strategy.Reason,
		})
		run.next = hat.KindExecutor

	case hat.KindExecutor:
		if out.Topic == bus.TopicBuildBlocked {
			verdict := gate.Verdict{Reasons: []string{"apply failed: " + out.ApplyError}}
			rec.Attempts = append(rec.Attempts, evidence.AttemptRecord{
				Attempt:    run.tries,
				Strategy:   run.activeStrategy().Summary(),
				Verdict:    verdict,
				ApplyError: out.ApplyError,
			})
			return l.blocked(ctx, run, out.Output, out.Evidence, verdict, nil)
		}
		candidate := out
		run.candidate = &candidate
		run.next = hat.KindVerifier

	case hat.KindVerifier:
		return l.verify(ctx, run, out, rec)

	default:
		return l.haltDone(ctx, run, fmt.Sprintf("no pipeline stage after %s", run.next))
	}
	return false, Result{}, nil
}

// verify gates the candidate against the active strategy. Measured
// evidence overrides what the executor claimed.
func (l *Loop) verify(ctx context.Context, run *taskRun, out hat.Outcome, rec *evidence.StepRecord) (bool, Result, error) {
	if run.strategy == nil {
		return l.haltDone(ctx, run, "no active verification strategy at gate")
	}
	claimed, perr := gate.ParseEvidence(out.Evidence)
	unreadable := perr != nil && strings.TrimSpace(out.Evidence) != "" && (out.Measured == nil || !errors.Is(perr, gate.ErrNoEvidence))
	if unreadable {
		l.logger.Warn("executor evidence unreadable", "task_id", run.intent.ID, "attempt", run.tries, "err", perr)
	}
	result := claimed
	if out.Measured != nil {
		result = claimed.Merge(*out.Measured)
	}
	verdict := gate.Evaluate(result, *run.strategy)
	if unreadable {
		verdict.Passed = false
		verdict.Reasons = append(verdict.Reasons, "evidence unreadable: "+perr.Error())
		sort.Strings(verdict.Reasons)
	}
	traceGate(ctx, *run.strategy, verdict)

	attempt := evidence.AttemptRecord{
		Attempt:   run.tries,
		Strategy:  run.strategy.Summary(),
		Verdict:   verdict,
		Succeeded: verdict.Passed,
	}
	for _, g := range out.GateResults {
		gr := evidence.NewGateRecord(g)
		gr.LogRef = l.writeGateLog(run, g)
		attempt.GateResults = append(attempt.GateResults, gr)
	}
	rec.Attempts = append(rec.Attempts, attempt)

	var previous string
	if run.candidate != nil {
		previous = run.candidate.Output
	}
	if !verdict.Passed {
		return l.blocked(ctx, run, previous, out.Evidence, verdict, out.GateResults)
	}

	l.logger.Info("gate passed", "task_id", run.intent.ID, "attempt", run.tries, "strategy", run.strategy.Summary())
	l.publish(ctx, run, bus.TopicBuildDone, hat.KindVerifier, bus.BuildPayload{
		TaskID:    run.intent.ID,
		Hat:       string(hat.KindExecutor),
		Iteration: run.budget.iterations,
		Attempt:   run.tries,
		Strategy:  run.strategy.Summary(),
		Evidence:  out.Evidence,
	})
	l.publish(ctx, run, bus.TopicTaskComplete, "", bus.TaskPayload{
		TaskID:     run.intent.ID,
		Title:      run.intent.Title,
		Outcome:    bus.OutcomeCompleted,
		Iterations: run.budget.iterations,
		CostUSD:    run.budget.totalAmount,
	})
	return true, l.finish(ctx, run, bus.OutcomeCompleted, ""), nil
}

// blocked handles a gate rejection: publish it, then retry locally, abandon
// on thrashing, or escalate to the human.
func (l *Loop) blocked(ctx context.Context, run *taskRun, previous, claimed string, verdict gate.Verdict, results []*gate.GateResult) (bool, Result, error) {
	run.blocks++
	run.retries++
	strategy := run.activeStrategy()

	l.logger.Warn("gate blocked", "task_id", run.intent.ID, "attempt", run.tries, "blocks", run.blocks, "reasons", verdict.Reasons)
	l.publish(ctx, run, bus.TopicBuildBlocked, hat.KindVerifier, bus.BuildPayload{
		TaskID:    run.intent.ID,
		Hat:       string(hat.KindExecutor),
		Iteration: run.budget.iterations,
		Attempt:   run.tries,
		Strategy:  strategy.Summary(),
		Evidence:  claimed,
		Reasons:   verdict.Reasons,
		Blocks:    run.blocks,
	})
	l.updateProgress(run)

	if previous != "" && previous == run.rejected {
		run.feedback = repair.Escalation(previous, verdict, false)
	} else {
		run.feedback = repair.Rejection(previous, strategy, verdict, results)
	}
	run.rejected = previous
	run.candidate = nil
	run.next = hat.KindExecutor

	if limit := l.limits.AbandonAfterBlocks; limit > 0 && run.blocks >= limit {
		reason := fmt.Sprintf("verification blocked %d times: %s", run.blocks, strings.Join(verdict.Reasons, "; "))
		return true, l.abandon(ctx, run, reason), nil
	}
	if run.retries <= l.limits.GateRetries() {
		return false, Result{}, nil
	}
	return l.escalate(ctx, run, verdict)
}

// Escalation option labels.
const (
	optionRetry    = "A"
	optionRollback = "B"
	optionAbandon  = "C"
)

// escalate asks the human how to proceed once local retries are spent.
func (l *Loop) escalate(ctx context.Context, run *taskRun, verdict gate.Verdict) (bool, Result, error) {
	grant := l.limits.GateRetries()
	if grant < 1 {
		grant = 1
	}
	rollback := "the task's first checkpoint"
	if run.firstCheckpoint != nil {
		rollback = "checkpoint " + run.firstCheckpoint.ID
	}
	req := human.Request{
		TaskID: run.intent.ID,
		Question: fmt.Sprintf("Task %q is still blocked after %d attempt(s): %s. How should the loop proceed?",
			run.intent.Title, run.retries, strings.Join(verdict.Reasons, "; ")),
		Options: []human.Option{
			{
				Label:       optionRetry,
				Description: fmt.Sprintf("Grant %d more attempt(s) against the same strategy", grant),
				Pros:        []string{"keeps the work done so far", "strategy stays unchanged"},
				Cons:        []string{"may repeat the same failure"},
				Impact:      "more model calls and cost",
			},
			{
				Label:       optionRollback,
				Description: "Roll the workspace back to " + rollback + " and retry from a clean tree",
				Pros:        []string{"discards partial or broken changes"},
				Cons:        []string{"loses every change made by this task"},
				Impact:      "workspace reset; executor starts over",
			},
			{
				Label:       optionAbandon,
				Description: "Abandon the task",
				Pros:        []string{"stops spending on a task that is not converging"},
				Cons:        []string{"the task stays undone"},
				Impact:      "task archived as abandoned; loop returns to Idle",
			},
		},
	}

	resp, err := l.ask(ctx, run, req, nil)
	if err != nil {
		return l.askFailed(ctx, run, err)
	}

	switch resp.SelectedLabel {
	case optionRetry:
		run.retries = 0
	case optionRollback:
		if run.firstCheckpoint != nil {
			if err := l.safety.Restore(ctx, run.firstCheckpoint.ID); err != nil {
				return l.haltDone(ctx, run, fmt.Sprintf("rollback to %s failed: %v", run.firstCheckpoint.ID, err))
			}
		}
		run.retries = 0
	case optionAbandon:
		return true, l.abandon(ctx, run, "abandoned by human decision after: "+strings.Join(verdict.Reasons, "; ")), nil
	}
	return false, Result{}, nil
}

// resolveAmbiguity suspends the loop on a hat's question. The same hat is
// dispatched again with the decision as its leading instruction.
func (l *Loop) resolveAmbiguity(ctx context.Context, run *taskRun, q human.Request, rec *evidence.StepRecord) (bool, Result, error) {
	q.TaskID = run.intent.ID
	_, err := l.ask(ctx, run, q, rec)
	switch {
	case errors.Is(err, human.ErrInvalidRequest):
		run.feedback = fmt.Sprintf("Your decision request was rejected (%v). Offer %d to %d options, each with description, pros, cons and impact.",
			err, human.MinOptions, human.MaxOptions)
		return false, Result{}, nil
	case err != nil:
		return l.askFailed(ctx, run, err)
	}
	return false, Result{}, nil
}

// ask runs Running -> AwaitingHuman -> Running around one bridge request.
// Invalid requests are rejected before the loop suspends.
func (l *Loop) ask(ctx context.Context, run *taskRun, req human.Request, rec *evidence.StepRecord) (human.Response, error) {
	if err := req.Validate(); err != nil {
		return human.Response{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = l.now().UTC()
	}

	if err := l.transition(StateAwaitingHuman); err != nil {
		return human.Response{}, err
	}
	l.publish(ctx, run, bus.TopicHumanInteract, "", interactPayload(req))
	l.writeStatus(&req)

	resp, err := l.bridge.Ask(ctx, req)
	if terr := l.transition(StateRunning); terr != nil {
		return human.Response{}, terr
	}
	if err != nil {
		return human.Response{}, err
	}

	opt, _ := req.Option(resp.SelectedLabel)
	l.publish(ctx, run, bus.TopicHumanResponse, "", bus.ResponsePayload{
		RequestID: resp.RequestID,
		TaskID:    run.intent.ID,
		Label:     opt.Label,
	})
	run.prefix = human.Instruction(opt.Label)
	run.decisions = append(run.decisions, fmt.Sprintf("%s -> Option %s: %s", req.Question, opt.Label, opt.Description))
	if rec != nil {
		rec.HumanDecision = opt.Label
	}
	l.writeStatus(nil)
	return resp, nil
}

func (l *Loop) askFailed(ctx context.Context, run *taskRun, err error) (bool, Result, error) {
	if ctx.Err() != nil {
		res, ierr := l.interrupt(ctx, run, ctx.Err())
		return true, res, ierr
	}
	return l.haltDone(ctx, run, fmt.Sprintf("human decision unavailable: %v", err))
}

func interactPayload(req human.Request) bus.InteractPayload {
	p := bus.InteractPayload{RequestID: req.ID, TaskID: req.TaskID, Question: req.Question}
	for _, opt := range req.Options {
		p.Options = append(p.Options, bus.InteractOption{
			Label:       opt.Label,
			Description: opt.Description,
			Pros:        opt.Pros,
			Cons:        opt.Cons,
			Impact:      opt.Impact,
		})
	}
	return p
}

// halt writes the recovery record and enters Halted under one lock so no
// iteration can start in between.
func (l *Loop) halt(ctx context.Context, run *taskRun, reason string) (Result, error) {
	l.mu.Lock()
	if err := ValidateTransition(l.state, StateHalted); err != nil {
		l.mu.Unlock()
		return run.result(bus.OutcomeHalted, reason), err
	}
	var recErr error
	if !l.safety.IsBlocked() {
		_, recErr = l.safety.RecordFailure(run.intent.ID, run.intent.Title, reason, run.lastCheckpoint)
	}
	l.state = StateHalted
	l.active = nil
	l.mu.Unlock()
	l.signalHalted()

	l.logger.Error("loop halted", "task_id", run.intent.ID, "reason", reason)
	if l.recorder != nil {
		l.recorder.Halted(context.WithoutCancel(ctx), run.correlationID, reason)
	}
	l.publish(ctx, run, bus.TopicTaskFailed, "", bus.TaskPayload{
		TaskID:     run.intent.ID,
		Title:      run.intent.Title,
		Outcome:    bus.OutcomeHalted,
		Reason:     reason,
		Iterations: run.budget.iterations,
		CostUSD:    run.budget.totalAmount,
	})
	res := l.conclude(run, bus.OutcomeHalted, reason)
	l.writeStatus(nil)
	if recErr != nil {
		return res, fmt.Errorf("write recovery record: %w", recErr)
	}
	return res, nil
}

func (l *Loop) haltDone(ctx context.Context, run *taskRun, reason string) (bool, Result, error) {
	res, err := l.halt(ctx, run, reason)
	return true, res, err
}

func (l *Loop) abandon(ctx context.Context, run *taskRun, reason string) Result {
	l.logger.Warn("task abandoned", "task_id", run.intent.ID, "blocks", run.blocks, "reason", reason)
	l.publish(ctx, run, bus.TopicTaskFailed, "", bus.TaskPayload{
		TaskID:     run.intent.ID,
		Title:      run.intent.Title,
		Outcome:    bus.OutcomeAbandoned,
		Reason:     reason,
		Iterations: run.budget.iterations,
		CostUSD:    run.budget.totalAmount,
	})
	return l.finish(ctx, run, bus.OutcomeAbandoned, reason)
}

func (l *Loop) interrupt(ctx context.Context, run *taskRun, cause error) (Result, error) {
	l.logger.Warn("task interrupted", "task_id", run.intent.ID, "error", cause)
	return l.finish(ctx, run, OutcomeInterrupted, cause.Error()), cause
}

// finish ends a task that did not halt: Running -> Idle.
func (l *Loop) finish(_ context.Context, run *taskRun, outcome, reason string) Result {
	res := l.conclude(run, outcome, reason)
	l.mu.Lock()
	if err := l.transitionLocked(StateIdle); err != nil {
		l.logger.Error("finish transition failed", "task_id", run.intent.ID, "error", err)
	}
	l.active = nil
	l.mu.Unlock()
	l.writeStatus(nil)
	return res
}

// conclude writes the final task record and archives it.
func (l *Loop) conclude(run *taskRun, outcome, reason string) Result {
	l.flushStep(run)
	finished := l.now().UTC()
	run.record.FinishedAt = &finished
	run.record.Outcome = outcome
	run.record.Reason = reason
	run.record.Iterations = run.budget.iterations
	run.record.Blocks = run.blocks
	run.record.CostUSD = run.budget.totalAmount
	l.writeTaskRecord(run)

	res := run.result(outcome, reason)
	if l.archive == nil {
		return res
	}
	entry := archive.Entry{
		TaskID:        run.intent.ID,
		Title:         run.intent.Title,
		CorrelationID: run.correlationID,
		Outcome:       outcome,
		Reason:        reason,
		Iterations:    res.Iterations,
		Blocks:        res.Blocks,
		CostUSD:       res.CostUSD,
		EvidenceDir:   res.EvidenceDir,
		FinishedAt:    finished,
	}
	ref, err := l.archive.StoreObject(run.record, "task")
	if err == nil {
		entry.Record = ref
		entry.Attestation = l.attest(run)
		err = l.archive.Append(entry)
	}
	if err != nil {
		l.logger.Warn("archive failed", "task_id", run.intent.ID, "error", err)
	}
	return res
}

// attest stores the evidence bundle's attestation outside the bundle so
// later edits to it can be detected.
func (l *Loop) attest(run *taskRun) *archive.Ref {
	if run.writer == nil {
		return nil
	}
	att, err := attest.Build(run.writer.TaskDir())
	if err != nil {
		l.logger.Warn("attestation failed", "task_id", run.intent.ID, "error", err)
		return nil
	}
	ref, err := l.archive.StoreObject(att, "attestation")
	if err != nil {
		l.logger.Warn("attestation store failed", "task_id", run.intent.ID, "error", err)
		return nil
	}
	return &ref
}

func (l *Loop) updateProgress(run *taskRun) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &l.progress
	p.hat = run.next
	p.iteration = run.budget.iterations
	p.blocks = run.blocks
	p.cost = run.budget.totalAmount
	p.strategy = run.strategy
	if run.routing != nil {
		p.mode = run.routing.Mode.String()
	}
}

func (l *Loop) publish(ctx context.Context, run *taskRun, topic bus.Topic, source hat.Kind, payload any) {
	err := l.bus.PublishWithID(context.WithoutCancel(ctx), topic, payload, run.correlationID, string(source))
	if err != nil {
		l.logger.Warn("publish failed", "topic", topic, "task_id", run.intent.ID, "error", err)
	}
}

func (l *Loop) describeStep(run *taskRun, rec *evidence.StepRecord, out hat.Outcome) {
	if len(out.Calls) > 0 {
		rec.Adapter = out.Calls[0].Adapter
		rec.Model = out.Calls[0].Model
	}
	rec.Apply = evidence.NewApplyRecord(out.Apply)
	if run.writer == nil || out.Output == "" {
		return
	}
	ref, sha, err := run.writer.WriteBlob("output", []byte(out.Output))
	if err != nil {
		l.logger.Warn("evidence blob write failed", "task_id", run.intent.ID, "error", err)
		return
	}
	rec.OutputRef = ref
	rec.OutputHash = sha
}

func (l *Loop) flushStep(run *taskRun) {
	if run.step == nil {
		return
	}
	rec := *run.step
	rec.DurationMillis = l.now().Sub(run.stepStarted).Milliseconds()
	run.step = nil
	l.writeStep(run, rec)
}

func (l *Loop) writeStep(run *taskRun, rec evidence.StepRecord) {
	if run.writer == nil {
		return
	}
	if err := run.writer.WriteStep(rec); err != nil {
		l.logger.Warn("evidence step write failed", "task_id", run.intent.ID, "error", err)
	}
}

func (l *Loop) writeTaskRecord(run *taskRun) {
	if run.writer == nil {
		return
	}
	if err := run.writer.WriteTask(run.record); err != nil {
		l.logger.Warn("evidence task write failed", "task_id", run.intent.ID, "error", err)
	}
}

func (l *Loop) writeGateLog(run *taskRun, res *gate.GateResult) string {
	if run.writer == nil || res == nil || res.Diagnostics == nil {
		return ""
	}
	d := res.Diagnostics
	content := fmt.Sprintf("command: %s\nexit: %d\n\nstdout:\n%s\n\nstderr:\n%s\n",
		strings.Join(d.Command, " "), d.ExitCode, d.Stdout, d.Stderr)
	ref, err := run.writer.WriteGateLog(run.budget.iterations, res.Gate, content)
	if err != nil {
		l.logger.Warn("gate log write failed", "task_id", run.intent.ID, "gate", res.Gate, "error", err)
		return ""
	}
	return ref
}
