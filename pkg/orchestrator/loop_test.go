package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/archive"
	"github.com/zen-systems/captain/pkg/attest"
	"github.com/zen-systems/captain/pkg/audit"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/hat"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/status"
	"github.com/zen-systems/captain/pkg/task"
	"github.com/zen-systems/captain/pkg/triage"
)

const tier1Evidence = "tests: pass\nintegration: pass\nlint: pass\nsecurity: pass\nwarnings: 0\nspecs: pass\n"

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventLog) handle(_ context.Context, ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventLog) topics() []bus.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Topic, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}

func (r *eventLog) find(topic bus.Topic) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	ws     string
	cfg    *config.Config
	bus    *bus.Bus
	bridge *human.Bridge
	safety *safety.Middleware
	events *eventLog
	audit  *audit.Recorder
	loop   *Loop
}

func newHarness(t *testing.T, hats hat.Registry, tune func(*config.Config)) *harness {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default(ws)
	cfg.Loop.RecoveryPollInterval = 20 * time.Millisecond
	if tune != nil {
		tune(cfg)
	}

	mw, err := safety.New(ws, cfg.StateDir, safety.NewDirSnapshotter(ws, cfg.StateDir, Artifacts(cfg)...))
	if err != nil {
		t.Fatalf("safety: %v", err)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	events := &eventLog{}
	if _, err := b.SubscribeAll("test", events.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	recorder := audit.NewRecorder(audit.NewMarkdownLog(cfg.WorkspacePath(cfg.Audit.LogPath)), nil)
	if _, err := recorder.Observe(b); err != nil {
		t.Fatalf("observe: %v", err)
	}

	h := &harness{
		t:      t,
		ws:     ws,
		cfg:    cfg,
		bus:    b,
		bridge: human.NewBridge(0, nil),
		safety: mw,
		events: events,
		audit:  recorder,
	}
	h.loop = h.build(hats)
	return h
}

func (h *harness) build(hats hat.Registry) *Loop {
	h.t.Helper()
	store, err := archive.NewStore(h.cfg.StatePath("archive"))
	if err != nil {
		h.t.Fatalf("archive: %v", err)
	}
	loop, err := New(h.cfg, Deps{
		Hats:        hats,
		Safety:      h.safety,
		Bridge:      h.bridge,
		Bus:         h.bus,
		Recorder:    h.audit,
		Status:      status.NewWriter(h.ws),
		Archive:     store,
		EvidenceDir: h.cfg.StatePath("tasks"),
	})
	if err != nil {
		h.t.Fatalf("new loop: %v", err)
	}
	return loop
}

// drain flushes every subscriber so events can be inspected.
func (h *harness) drain() {
	h.bus.Close()
}

// guarded wraps a hat and fails the test if the step was dispatched without
// a fresh checkpoint for the task.
func guarded(t *testing.T, mw *safety.Middleware, inner hat.Hat) hat.Hat {
	return hat.Func{K: inner.Kind(), Fn: func(ctx context.Context, step hat.StepContext) (hat.Outcome, error) {
		entries, err := mw.History().Entries()
		if err != nil {
			t.Errorf("history: %v", err)
		}
		var taken int
		for _, cp := range entries {
			if cp.TaskID == step.Task.ID {
				taken++
			}
		}
		if taken != step.Iteration {
			t.Errorf("%s dispatched at iteration %d with %d checkpoints", inner.Kind(), step.Iteration, taken)
		}
		if len(entries) == 0 || entries[len(entries)-1].TaskID != step.Task.ID {
			t.Errorf("latest checkpoint does not belong to task %s", step.Task.ID)
		}
		return inner.Handle(ctx, step)
	}}
}

type recordingHat struct {
	mu    sync.Mutex
	kind  hat.Kind
	steps []hat.StepContext
	reply func(n int, step hat.StepContext) (hat.Outcome, error)
}

func (r *recordingHat) Kind() hat.Kind { return r.kind }

func (r *recordingHat) Handle(_ context.Context, step hat.StepContext) (hat.Outcome, error) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	n := len(r.steps)
	r.mu.Unlock()
	out, err := r.reply(n, step)
	out.Kind = r.kind
	return out, err
}

func (r *recordingHat) calls() []hat.StepContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hat.StepContext(nil), r.steps...)
}

func executorReporting(evidence ...string) *recordingHat {
	return &recordingHat{kind: hat.KindExecutor, reply: func(n int, _ hat.StepContext) (hat.Outcome, error) {
		i := n - 1
		if i >= len(evidence) {
			i = len(evidence) - 1
		}
		return hat.Outcome{Topic: bus.TopicBuildDone, Evidence: evidence[i]}, nil
	}}
}

func plannerStub() *recordingHat {
	return &recordingHat{kind: hat.KindPlanner, reply: func(int, hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{Plan: "1. do the work"}, nil
	}}
}

func fixedStrategy(s gate.Strategy) hat.Hat {
	return hat.Func{K: hat.KindTestArchitect, Fn: func(context.Context, hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{Kind: hat.KindTestArchitect, Topic: bus.TopicTestStrategy, Strategy: &s}, nil
	}}
}

func registry(t *testing.T, cfg *config.Config, mw *safety.Middleware, planner, architect, executor hat.Hat) hat.Registry {
	reg := hat.Registry{}
	for _, h := range []hat.Hat{
		hat.NewTriageHat(triage.NewClassifier(nil, cfg.Triage, nil)),
		planner,
		architect,
		executor,
		hat.NewVerifier(nil),
	} {
		reg.Register(guarded(t, mw, h))
	}
	return reg
}

// newScenario builds a harness whose registry is created after the safety
// middleware exists.
func newScenario(t *testing.T, tune func(*config.Config), planner, architect, executor hat.Hat) *harness {
	t.Helper()
	h := newHarness(t, placeholderHats(), tune)
	h.loop = h.build(registry(t, h.cfg, h.safety, planner, architect, executor))
	return h
}

func placeholderHats() hat.Registry {
	reg := hat.Registry{}
	for _, k := range hat.Kinds {
		reg.Register(hat.Func{K: k, Fn: func(context.Context, hat.StepContext) (hat.Outcome, error) {
			return hat.Outcome{}, errors.New("placeholder")
		}})
	}
	return reg
}

func TestScenarioSimpleTaskCompletesOnMinimalStrategy(t *testing.T) {
	planner := plannerStub()
	executor := executorReporting("smoke: pass")
	h := newScenario(t, nil, planner, hat.NewTestArchitect(nil), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if len(planner.calls()) != 0 {
		t.Fatalf("simple route must bypass the planner")
	}
	if got := executor.calls()[0].Strategy; got == nil || got.Tier != gate.Tier3 || len(got.RequiredCategories) != 1 {
		t.Fatalf("expected single-check tier3 strategy, got %+v", got)
	}
	if res.Iterations != 4 {
		t.Fatalf("expected triage, strategy, executor, verifier; got %d iterations", res.Iterations)
	}
	if h.loop.State() != StateIdle {
		t.Fatalf("expected Idle after completion, got %s", h.loop.State())
	}

	h.drain()
	if len(h.events.find(bus.TopicHumanInteract)) != 0 {
		t.Fatalf("simple task must not ask the human")
	}
	topics := h.events.topics()
	want := []bus.Topic{bus.TopicTaskStart, bus.TopicTriageDecision, bus.TopicTestStrategy, bus.TopicBuildDone, bus.TopicTaskComplete}
	if len(topics) != len(want) {
		t.Fatalf("unexpected topics %v", topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topic %d = %s, want %s", i, topics[i], want[i])
		}
	}
	for _, ev := range h.events.find(bus.TopicTaskComplete) {
		if ev.CorrelationID != h.events.find(bus.TopicTaskStart)[0].CorrelationID {
			t.Fatalf("task events must share a correlation id")
		}
	}

	entries, err := h.safety.History().Entries()
	if err != nil || len(entries) != res.Iterations {
		t.Fatalf("expected one checkpoint per iteration, got %d (%v)", len(entries), err)
	}
	mirror, err := status.Read(h.ws)
	if err != nil || mirror.State != string(StateIdle) {
		t.Fatalf("expected Idle status mirror, got %+v (%v)", mirror, err)
	}
	if _, err := os.Stat(filepath.Join(res.EvidenceDir, "task.json")); err != nil {
		t.Fatalf("expected task evidence: %v", err)
	}

	store, err := archive.NewStore(h.cfg.StatePath("archive"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	entry, ok, err := store.Find(res.TaskID)
	if err != nil || !ok || entry.Outcome != bus.OutcomeCompleted || entry.Attestation == nil {
		t.Fatalf("expected archived completed entry with attestation, got %+v (%v)", entry, err)
	}
	var att attest.Attestation
	if err := store.Load(*entry.Attestation, &att); err != nil {
		t.Fatalf("load attestation: %v", err)
	}
	if err := attest.Verify(&att, entry.EvidenceDir); err != nil {
		t.Fatalf("attestation should verify: %v", err)
	}
}

type tieBreaker struct{}

func (tieBreaker) Name() string     { return "fixed" }
func (tieBreaker) Models() []string { return []string{"fixed-1"} }
func (tieBreaker) Generate(context.Context, string, string) (*adapter.Response, error) {
	return &adapter.Response{Content: `{"mode":"simple","confidence":0.4,"reason":"looks small"}`}, nil
}

func TestScenarioLowConfidenceForcesFullPath(t *testing.T) {
	planner := plannerStub()
	executor := executorReporting("tests: pass\nlint: pass\ncoverage: 90%")
	h := newHarness(t, placeholderHats(), func(cfg *config.Config) {
		cfg.Triage.ClassifierAdapter = "fixed"
		cfg.Triage.ClassifierModel = "fixed-1"
		cfg.Triage.TieBreakerThreshold = 0.99
	})
	classifier := triage.NewClassifier(adapter.Registry{"fixed": tieBreaker{}}, h.cfg.Triage, nil)
	reg := hat.Registry{}
	reg.Register(hat.NewTriageHat(classifier))
	reg.Register(planner)
	reg.Register(fixedStrategy(gate.ForTier(gate.Tier2, "standard")))
	reg.Register(executor)
	reg.Register(hat.NewVerifier(nil))
	h.loop = h.build(reg)

	res, err := h.loop.RunTask(context.Background(), task.New("add new feature", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if len(planner.calls()) != 1 {
		t.Fatalf("forced full path must run the planner once, got %d", len(planner.calls()))
	}
	if plan := executor.calls()[0].Plan; plan != "1. do the work" {
		t.Fatalf("executor should see the plan, got %q", plan)
	}

	h.drain()
	decisions := h.events.find(bus.TopicTriageDecision)
	if len(decisions) != 1 {
		t.Fatalf("expected one triage decision, got %d", len(decisions))
	}
	var p bus.TriagePayload
	if err := decisions[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Mode != "full" || !p.Forced || p.Confidence != 0.4 {
		t.Fatalf("expected forced full at 0.4, got %+v", p)
	}
}

func TestScenarioCoverageShortfallBlocks(t *testing.T) {
	executor := executorReporting(tier1Evidence+"coverage: 82%", tier1Evidence+"coverage: 96%")
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.ForTier(gate.Tier1, "core")), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("implement core scheduler", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if res.Blocks != 1 {
		t.Fatalf("expected exactly one block, got %d", res.Blocks)
	}

	calls := executor.calls()
	if len(calls) != 2 {
		t.Fatalf("expected a retry after the block, got %d executor calls", len(calls))
	}
	if !strings.Contains(calls[1].Feedback, "coverage 82%, required 95%") {
		t.Fatalf("retry must carry the rejection, got %q", calls[1].Feedback)
	}
	if calls[1].Strategy.Tier != gate.Tier1 {
		t.Fatalf("strategy must not be downgraded on retry")
	}

	h.drain()
	blocked := h.events.find(bus.TopicBuildBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected one build.blocked, got %d", len(blocked))
	}
	var p bus.BuildPayload
	if err := blocked[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Reasons) != 1 || p.Reasons[0] != "coverage 82%, required 95%" {
		t.Fatalf("unexpected reasons %v", p.Reasons)
	}
	if done := h.events.find(bus.TopicBuildDone); len(done) != 1 {
		t.Fatalf("only the passing attempt may publish build.done, got %d", len(done))
	}

	entries, _ := h.safety.History().Entries()
	if len(entries) != res.Iterations {
		t.Fatalf("checkpoint skipped: %d checkpoints for %d iterations", len(entries), res.Iterations)
	}
}

func TestMalformedEvidenceBlocksEvenWithoutRequirements(t *testing.T) {
	executor := executorReporting(`{"categories": {"smoke": tru`, "smoke: pass")
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.Strategy{Tier: gate.Tier3}), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if res.Blocks != 1 {
		t.Fatalf("unreadable evidence must block, got %d blocks", res.Blocks)
	}
	if calls := executor.calls(); len(calls) != 2 || !strings.Contains(calls[1].Feedback, "evidence unreadable") {
		t.Fatalf("retry must name the unreadable evidence, got %+v", calls)
	}

	h.drain()
	blocked := h.events.find(bus.TopicBuildBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected one build.blocked, got %d", len(blocked))
	}
	var p bus.BuildPayload
	if err := blocked[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Reasons) != 1 || !strings.HasPrefix(p.Reasons[0], "evidence unreadable: malformed evidence") {
		t.Fatalf("unexpected reasons %v", p.Reasons)
	}
}

func TestScenarioAmbiguityInjectsHumanDecision(t *testing.T) {
	question := &human.Request{
		Question: "Sessions or JWT?",
		Options: []human.Option{
			{Label: "A", Description: "Server sessions", Pros: []string{"revocable"}, Cons: []string{"state"}, Impact: "session store"},
			{Label: "B", Description: "JWT", Pros: []string{"stateless"}, Cons: []string{"revocation"}, Impact: "key rotation"},
		},
	}
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(n int, _ hat.StepContext) (hat.Outcome, error) {
		if n == 1 {
			return hat.Outcome{Topic: bus.TopicHumanInteract, Question: question}, nil
		}
		return hat.Outcome{Topic: bus.TopicBuildDone, Evidence: "smoke: pass"}, nil
	}}
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	observed := make(chan State, 1)
	h.bridge.OnRequest(func(req human.Request) {
		observed <- h.loop.State()
		if err := h.bridge.Respond(req.ID, "B"); err != nil {
			t.Errorf("respond: %v", err)
		}
	})

	res, err := h.loop.RunTask(context.Background(), task.New("implement login sessions", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if state := <-observed; state != StateAwaitingHuman {
		t.Fatalf("expected AwaitingHuman while the request was outstanding, got %s", state)
	}

	calls := executor.calls()
	if len(calls) != 2 {
		t.Fatalf("expected the executor to be resumed once, got %d calls", len(calls))
	}
	resumed := calls[1]
	if resumed.Prefix != human.Instruction("B") {
		t.Fatalf("resumed step must carry the directive, got %q", resumed.Prefix)
	}
	if !strings.HasPrefix(resumed.Input("instructions"), "\n\n### 🚨 SOVEREIGN COMMAND\n[HUMAN DECISION: Use Option B]") {
		t.Fatalf("directive must lead the step input")
	}
	if len(resumed.Decisions) != 1 || !strings.Contains(resumed.Decisions[0], "Option B") {
		t.Fatalf("decision should be listed for later steps, got %v", resumed.Decisions)
	}
	if h.loop.State() != StateIdle {
		t.Fatalf("expected Idle, got %s", h.loop.State())
	}

	steps, err := os.ReadDir(filepath.Join(res.EvidenceDir, "steps"))
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	var sawPrefix bool
	for _, entry := range steps {
		data, err := os.ReadFile(filepath.Join(res.EvidenceDir, "steps", entry.Name()))
		if err != nil {
			t.Fatalf("read step: %v", err)
		}
		if strings.Contains(string(data), "HUMAN DECISION: Use Option B") {
			sawPrefix = true
		}
	}
	if !sawPrefix {
		t.Fatalf("the injected directive must be visible in the step evidence")
	}

	h.drain()
	if got := len(h.events.find(bus.TopicHumanInteract)); got != 1 {
		t.Fatalf("expected one human.interact, got %d", got)
	}
	responses := h.events.find(bus.TopicHumanResponse)
	if len(responses) != 1 {
		t.Fatalf("expected one human.response, got %d", len(responses))
	}
	var p bus.ResponsePayload
	if err := responses[0].Decode(&p); err != nil || p.Label != "B" {
		t.Fatalf("unexpected response payload %+v (%v)", p, err)
	}
}

func TestScenarioUnrecoverableFailureHaltsUntilCleared(t *testing.T) {
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(int, hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{}, errors.New("toolchain missing")
	}}
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	intent := task.New("fix typo in README", "")
	res, err := h.loop.RunTask(context.Background(), intent)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != bus.OutcomeHalted || !strings.Contains(res.Reason, "toolchain missing") {
		t.Fatalf("expected halt, got %+v", res)
	}
	if h.loop.State() != StateHalted {
		t.Fatalf("expected Halted, got %s", h.loop.State())
	}

	rec, ok, err := h.safety.Record()
	if err != nil || !ok {
		t.Fatalf("expected recovery record, got %v %v", ok, err)
	}
	last, found, err := h.safety.History().LastForTask(intent.ID)
	if err != nil || !found {
		t.Fatalf("expected checkpoint for task: %v", err)
	}
	if rec.TaskID != intent.ID || rec.LastCheckpointID != last.ID || rec.RollbackInstruction == "" {
		t.Fatalf("record must reference the last checkpoint, got %+v (last %s)", rec, last.ID)
	}

	if err := h.loop.Submit(task.New("another task", "")); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted from Submit, got %v", err)
	}
	if _, err := h.loop.RunTask(context.Background(), task.New("another task", "")); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted from RunTask, got %v", err)
	}
	mirror, err := status.Read(h.ws)
	if err != nil || !mirror.Halted() {
		t.Fatalf("status mirror must report the halt, got %+v (%v)", mirror, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := h.safety.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.loop.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not leave Halted after the record was cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.loop.Submit(task.Intent{Title: "fix typo again"}); err != nil {
		t.Fatalf("expected Submit to succeed after recovery, got %v", err)
	}
}

func TestRecoveryWriteFailureKeepsLoopHalted(t *testing.T) {
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(int, hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{}, errors.New("disk full")
	}}
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	// A directory where the temp file goes makes every record write fail.
	obstacle := filepath.Join(h.ws, safety.RecoveryFileName+".tmp")
	if err := os.Mkdir(obstacle, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err == nil || !strings.Contains(err.Error(), "write recovery record") {
		t.Fatalf("expected the write failure to surface, got %v", err)
	}
	if res.Outcome != bus.OutcomeHalted || h.loop.State() != StateHalted {
		t.Fatalf("expected Halted, got %+v in %s", res, h.loop.State())
	}
	if !h.safety.IsBlocked() {
		t.Fatalf("an unwritten record must still block")
	}
	if rec, ok, _ := h.safety.Record(); !ok || !strings.Contains(rec.FailureReason, "disk full") {
		t.Fatalf("expected the held record, got %+v ok=%v", rec, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(10 * h.cfg.Loop.RecoveryPollInterval)
	if h.loop.State() != StateHalted {
		t.Fatalf("loop left Halted without a human, state %s", h.loop.State())
	}
	if err := h.loop.Submit(task.New("new work", "")); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}

	if err := os.Remove(obstacle); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !h.safety.Queue().IsBlocked() {
		if time.Now().After(deadline) {
			t.Fatalf("record was never written once the workspace recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.loop.State() != StateHalted {
		t.Fatalf("writing the record must not resume the loop, state %s", h.loop.State())
	}

	if err := h.safety.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for h.loop.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not resume after the record was cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartupWithRecoveryRecordIsHalted(t *testing.T) {
	h := newHarness(t, placeholderHats(), nil)
	if _, err := h.safety.RecordFailure("t-old", "old task", "crashed", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	loop := h.build(placeholderHats())
	if loop.State() != StateHalted {
		t.Fatalf("expected Halted at startup, got %s", loop.State())
	}
	if err := loop.Submit(task.New("new work", "")); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestEscalationAbandonOption(t *testing.T) {
	executor := executorReporting("smoke: fail")
	retries := 1
	h := newScenario(t, func(cfg *config.Config) { cfg.Loop.MaxGateRetries = &retries },
		plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	var asked []human.Request
	var mu sync.Mutex
	h.bridge.OnRequest(func(req human.Request) {
		mu.Lock()
		asked = append(asked, req)
		mu.Unlock()
		_ = h.bridge.Respond(req.ID, "C")
	})

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != bus.OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %+v", res)
	}
	if len(executor.calls()) != 2 || res.Blocks != 2 {
		t.Fatalf("expected one local retry before escalation, got %d calls and %d blocks", len(executor.calls()), res.Blocks)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(asked) != 1 || len(asked[0].Options) != 3 {
		t.Fatalf("expected one three-option escalation, got %+v", asked)
	}

	h.drain()
	failed := h.events.find(bus.TopicTaskFailed)
	var p bus.TaskPayload
	if len(failed) != 1 || failed[0].Decode(&p) != nil || p.Outcome != bus.OutcomeAbandoned {
		t.Fatalf("expected abandoned task.failed, got %+v", p)
	}
}

func TestEscalationRollbackRestoresFirstCheckpoint(t *testing.T) {
	var h *harness
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(n int, _ hat.StepContext) (hat.Outcome, error) {
		scratch := filepath.Join(h.ws, "scratch.txt")
		if n == 1 {
			if err := os.WriteFile(scratch, []byte("broken"), 0644); err != nil {
				return hat.Outcome{}, err
			}
			return hat.Outcome{Topic: bus.TopicBuildDone, Evidence: "smoke: fail"}, nil
		}
		if _, err := os.Stat(scratch); !os.IsNotExist(err) {
			t.Errorf("rollback should have removed scratch.txt")
		}
		return hat.Outcome{Topic: bus.TopicBuildDone, Evidence: "smoke: pass"}, nil
	}}
	zero := 0
	h = newScenario(t, func(cfg *config.Config) { cfg.Loop.MaxGateRetries = &zero },
		plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	logPath := h.cfg.WorkspacePath(h.cfg.Audit.LogPath)
	var before string
	h.bridge.OnRequest(func(req human.Request) {
		before = waitForLog(t, logPath, audit.EventTaskStarted, audit.EventGateBlocked, audit.EventHumanRequest)
		_ = h.bridge.Respond(req.ID, "B")
	})

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if len(executor.calls()) != 2 {
		t.Fatalf("expected retry after rollback, got %d calls", len(executor.calls()))
	}
	if h.loop.State() != StateIdle || h.safety.IsBlocked() {
		t.Fatalf("rollback retries the task without halting, got state %s blocked=%v", h.loop.State(), h.safety.IsBlocked())
	}

	h.drain()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.HasPrefix(string(data), before) {
		t.Fatalf("rollback rewrote the audit log:\nbefore:\n%s\nafter:\n%s", before, data)
	}
	for _, want := range []string{audit.EventHumanDecision, audit.EventGatePassed, audit.EventTaskCompleted} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("audit log missing %q:\n%s", want, data)
		}
	}
}

// waitForLog polls the audit log until every event type appears and returns
// its content.
func waitForLog(t *testing.T, path string, events ...string) string {
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(path)
		missing := false
		for _, ev := range events {
			if !strings.Contains(string(data), ev) {
				missing = true
				break
			}
		}
		if !missing {
			return string(data)
		}
		if time.Now().After(deadline) {
			t.Errorf("audit log never recorded %v:\n%s", events, data)
			return string(data)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThrashingTaskIsAbandoned(t *testing.T) {
	executor := executorReporting("smoke: fail")
	many := 50
	h := newScenario(t, func(cfg *config.Config) {
		cfg.Loop.MaxGateRetries = &many
		cfg.Loop.AbandonAfterBlocks = 3
	}, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != bus.OutcomeAbandoned || res.Blocks != 3 {
		t.Fatalf("expected abandonment after 3 blocks, got %+v", res)
	}
	if h.loop.State() != StateIdle {
		t.Fatalf("abandoned task must return the loop to Idle, got %s", h.loop.State())
	}
	if h.safety.IsBlocked() {
		t.Fatalf("abandonment is not a halt")
	}
}

func TestIterationLimitHalts(t *testing.T) {
	executor := executorReporting("smoke: fail")
	many := 50
	h := newScenario(t, func(cfg *config.Config) {
		cfg.Loop.MaxGateRetries = &many
		cfg.Loop.MaxIterations = 5
	}, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != bus.OutcomeHalted || !strings.Contains(res.Reason, "max iterations 5") {
		t.Fatalf("expected iteration limit halt, got %+v", res)
	}
	if res.Iterations != 5 {
		t.Fatalf("expected 5 iterations, got %d", res.Iterations)
	}
}

func TestSubmitRejectsSecondTask(t *testing.T) {
	h := newHarness(t, placeholderHats(), nil)
	if err := h.loop.Submit(task.New("first", "")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.loop.Submit(task.New("second", "")); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := h.loop.Submit(task.Intent{}); !errors.Is(err, task.ErrEmptyIntent) {
		t.Fatalf("expected empty intent error, got %v", err)
	}
}

func TestAuditTrailRecordsHaltAndResume(t *testing.T) {
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(int, hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{}, errors.New("disk full")
	}}
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.Minimal("docs")), executor)

	if _, err := h.loop.RunTask(context.Background(), task.New("fix typo in README", "")); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.drain()

	data, err := os.ReadFile(filepath.Join(h.ws, "RequestLog.md"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{audit.EventTaskStarted, audit.EventTriageDecision, audit.EventLoopHalted, "disk full"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("audit log missing %q:\n%s", want, data)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateRunning},
		{StateRunning, StateRunning},
		{StateRunning, StateAwaitingHuman},
		{StateAwaitingHuman, StateRunning},
		{StateRunning, StateHalted},
		{StateHalted, StateIdle},
		{StateRunning, StateIdle},
	}
	for _, tr := range legal {
		if err := ValidateTransition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s should be legal: %v", tr[0], tr[1], err)
		}
	}
	illegal := [][2]State{
		{StateIdle, StateHalted},
		{StateHalted, StateRunning},
		{StateAwaitingHuman, StateHalted},
		{StateAwaitingHuman, StateIdle},
	}
	for _, tr := range illegal {
		err := ValidateTransition(tr[0], tr[1])
		var te *TransitionError
		if !errors.As(err, &te) || te.From != tr[0] || te.To != tr[1] {
			t.Fatalf("%s -> %s should be rejected, got %v", tr[0], tr[1], err)
		}
	}
}

func TestRepeatedRejectedOutputEscalatesPrompt(t *testing.T) {
	evidence := []string{tier1Evidence + "coverage: 82%", tier1Evidence + "coverage: 82%", tier1Evidence + "coverage: 96%"}
	executor := &recordingHat{kind: hat.KindExecutor, reply: func(n int, _ hat.StepContext) (hat.Outcome, error) {
		return hat.Outcome{Topic: bus.TopicBuildDone, Output: "same change", Evidence: evidence[n-1]}, nil
	}}
	h := newScenario(t, nil, plannerStub(), fixedStrategy(gate.ForTier(gate.Tier1, "core")), executor)

	res, err := h.loop.RunTask(context.Background(), task.New("implement core scheduler", ""))
	if err != nil || res.Outcome != bus.OutcomeCompleted || res.Blocks != 2 {
		t.Fatalf("run: %+v %v", res, err)
	}

	calls := executor.calls()
	if len(calls) != 3 {
		t.Fatalf("expected three executor calls, got %d", len(calls))
	}
	if strings.Contains(calls[1].Feedback, "repeating") {
		t.Fatalf("first rejection should not escalate, got %q", calls[1].Feedback)
	}
	if !strings.Contains(calls[2].Feedback, "repeating") || !strings.Contains(calls[2].Feedback, "coverage 82%, required 95%") {
		t.Fatalf("repeated output should escalate the prompt, got %q", calls[2].Feedback)
	}
}
