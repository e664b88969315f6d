package bus

// Payloads published by the orchestration loop, one per topic family.

// TaskPayload accompanies task.start, task.complete and task.failed.
type TaskPayload struct {
	TaskID      string  `json:"task_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Iterations  int     `json:"iterations,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
}

// Task outcomes carried by task.complete and task.failed.
const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
	OutcomeHalted    = "halted"
)

// TriagePayload accompanies triage.decision.
type TriagePayload struct {
	TaskID     string  `json:"task_id"`
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Forced     bool    `json:"forced,omitempty"`
	UsedLLM    bool    `json:"used_llm,omitempty"`
}

// StrategyPayload accompanies test.strategy.
type StrategyPayload struct {
	TaskID             string   `json:"task_id"`
	Tier               int      `json:"tier"`
	CoverageThreshold  float64  `json:"coverage_threshold"`
	RequiredCategories []string `json:"required_categories"`
	HardGates          []string `json:"hard_gates,omitempty"`
	Scope              string   `json:"scope,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// BuildPayload accompanies build.done and build.blocked. Evidence is the raw
// report in the textual or JSON evidence format.
type BuildPayload struct {
	TaskID    string   `json:"task_id"`
	Hat       string   `json:"hat"`
	Iteration int      `json:"iteration"`
	Attempt   int      `json:"attempt"`
	Strategy  string   `json:"strategy"`
	Evidence  string   `json:"evidence,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	Blocks    int      `json:"blocks,omitempty"`
}

// InteractPayload accompanies human.interact.
type InteractPayload struct {
	RequestID string           `json:"request_id"`
	TaskID    string           `json:"task_id"`
	Question  string           `json:"question"`
	Options   []InteractOption `json:"options"`
}

// InteractOption is one offered choice with its trade-offs.
type InteractOption struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	Impact      string   `json:"impact"`
}

// ResponsePayload accompanies human.response.
type ResponsePayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id,omitempty"`
	Label     string `json:"label"`
}
