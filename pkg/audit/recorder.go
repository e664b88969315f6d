package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/zen-systems/captain/pkg/bus"
)

// Recorder writes bus events and loop transitions to a sink.
type Recorder struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder returns a recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, now: time.Now, logger: logger.With("component", "audit")}
}

// Observe subscribes the recorder to every topic on b.
func (r *Recorder) Observe(b *bus.Bus) (*bus.Subscription, error) {
	return b.SubscribeAll("audit", func(ctx context.Context, ev bus.Event) error {
		entry, ok := FromEvent(ev)
		if !ok {
			r.logger.Warn("unrecognised event payload", "topic", ev.Topic, "correlation_id", ev.CorrelationID)
			return nil
		}
		return r.sink.Append(ctx, entry)
	})
}

// Halted records the transition into Halted.
func (r *Recorder) Halted(ctx context.Context, correlationID, reason string) {
	r.record(ctx, EventLoopHalted, correlationID, reason)
}

// Resumed records the recovery queue being cleared.
func (r *Recorder) Resumed(ctx context.Context, correlationID string) {
	r.record(ctx, EventLoopResumed, correlationID, "Recovery queue cleared by human")
}

func (r *Recorder) record(ctx context.Context, eventType, correlationID, details string) {
	err := r.sink.Append(ctx, Entry{
		Timestamp:     r.now().UTC(),
		EventType:     eventType,
		CorrelationID: correlationID,
		Details:       details,
	})
	if err != nil {
		r.logger.Error("audit append failed", "event_type", eventType, "error", err)
	}
}

// Close closes the sink.
func (r *Recorder) Close() error {
	return r.sink.Close()
}
