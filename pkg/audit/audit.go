// Package audit keeps the append-only forensic trail of safety-relevant
// events: a markdown table for humans and an optional SQLite mirror.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/captain/pkg/bus"
)

// Event types written to the trail.
const (
	EventTaskStarted    = "TASK_STARTED"
	EventTaskCompleted  = "TASK_COMPLETED"
	EventTaskAbandoned  = "TASK_ABANDONED"
	EventTaskFailed     = "TASK_FAILED"
	EventTriageDecision = "TRIAGE_DECISION"
	EventTEAStrategy    = "TEA_STRATEGY"
	EventGatePassed     = "GATE_PASSED"
	EventGateBlocked    = "GATE_BLOCKED"
	EventHumanRequest   = "HUMAN_REQUEST"
	EventHumanDecision  = "HUMAN_DECISION"
	EventLoopHalted     = "LOOP_HALTED"
	EventLoopResumed    = "LOOP_RESUMED"
)

// Entry is one row of the trail.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	CorrelationID string    `json:"correlation_id"`
	Details       string    `json:"details"`
}

// Sink appends entries. Implementations never rewrite earlier rows.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromEvent maps a bus event to a trail entry.
func FromEvent(ev bus.Event) (Entry, bool) {
	e := Entry{Timestamp: ev.Timestamp, CorrelationID: ev.CorrelationID}

	switch ev.Topic {
	case bus.TopicTaskStart:
		var p bus.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventTaskStarted
		e.Details = fmt.Sprintf("task %s: %s", p.TaskID, p.Title)
	case bus.TopicTaskComplete:
		var p bus.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventTaskCompleted
		e.Details = fmt.Sprintf("task %s completed after %d iterations", p.TaskID, p.Iterations)
	case bus.TopicTaskFailed:
		var p bus.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventTaskFailed
		if p.Outcome == bus.OutcomeAbandoned {
			e.EventType = EventTaskAbandoned
		}
		e.Details = fmt.Sprintf("task %s %s: %s", p.TaskID, p.Outcome, p.Reason)
	case bus.TopicTriageDecision:
		var p bus.TriagePayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventTriageDecision
		e.Details = fmt.Sprintf("mode=%s confidence=%.2f reason=%s", p.Mode, p.Confidence, p.Reason)
	case bus.TopicTestStrategy:
		var p bus.StrategyPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventTEAStrategy
		e.Details = fmt.Sprintf("tier%d coverage>=%.0f%% requires %s", p.Tier, p.CoverageThreshold, strings.Join(p.RequiredCategories, ","))
		if p.Scope != "" {
			e.Details += " scope=" + p.Scope
		}
	case bus.TopicBuildDone:
		var p bus.BuildPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventGatePassed
		e.Details = fmt.Sprintf("%s attempt %d passed %s", p.Hat, p.Attempt, p.Strategy)
	case bus.TopicBuildBlocked:
		var p bus.BuildPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventGateBlocked
		e.Details = fmt.Sprintf("%s attempt %d blocked: %s", p.Hat, p.Attempt, strings.Join(p.Reasons, "; "))
	case bus.TopicHumanInteract:
		var p bus.InteractPayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		labels := make([]string, 0, len(p.Options))
		for _, opt := range p.Options {
			labels = append(labels, opt.Label)
		}
		e.EventType = EventHumanRequest
		e.Details = fmt.Sprintf("request %s: %s [%s]", p.RequestID, p.Question, strings.Join(labels, "/"))
	case bus.TopicHumanResponse:
		var p bus.ResponsePayload
		if err := ev.Decode(&p); err != nil {
			return e, false
		}
		e.EventType = EventHumanDecision
		e.Details = fmt.Sprintf("request %s: option %s", p.RequestID, p.Label)
	default:
		return e, false
	}
	return e, true
}
