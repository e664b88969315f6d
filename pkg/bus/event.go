// Package bus implements the in-process typed event bus that connects the
// orchestration loop, the hats and the passive observers.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topic is a member of the closed event vocabulary.
type Topic string

const (
	TopicTaskStart      Topic = "task.start"
	TopicTaskComplete   Topic = "task.complete"
	TopicTaskFailed     Topic = "task.failed"
	TopicTriageDecision Topic = "triage.decision"
	TopicTestStrategy   Topic = "test.strategy"
	TopicBuildDone      Topic = "build.done"
	TopicBuildBlocked   Topic = "build.blocked"
	TopicHumanInteract  Topic = "human.interact"
	TopicHumanResponse  Topic = "human.response"
)

// Topics lists the whole vocabulary in a stable order.
var Topics = []Topic{
	TopicTaskStart,
	TopicTaskComplete,
	TopicTaskFailed,
	TopicTriageDecision,
	TopicTestStrategy,
	TopicBuildDone,
	TopicBuildBlocked,
	TopicHumanInteract,
	TopicHumanResponse,
}

var (
	// ErrUnknownTopic is returned for topics outside the vocabulary.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrClosed is returned when publishing or subscribing on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// Valid reports whether t belongs to the vocabulary.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTopic converts a raw string into a Topic.
func ParseTopic(raw string) (Topic, error) {
	t := Topic(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, raw)
	}
	return t, nil
}

// Event is an immutable message on the bus.
type Event struct {
	Topic         Topic           `json:"topic"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Topic)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Text returns the payload as a string: the decoded value when the payload is
// a JSON string, otherwise the raw JSON.
func (e Event) Text() string {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return string(e.Payload)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
