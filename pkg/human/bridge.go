package human

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRequestOutstanding is returned by Ask while another request waits.
	ErrRequestOutstanding = errors.New("an interaction request is already outstanding")
	// ErrStaleResponse is returned for responses that do not match the
	// outstanding request.
	ErrStaleResponse = errors.New("response does not match the outstanding request")
	// ErrInvalidOption is returned for labels not offered by the request.
	ErrInvalidOption = errors.New("selected label is not one of the offered options")
	// ErrTimeout is returned when no response arrives within the timeout.
	ErrTimeout = errors.New("timed out waiting for a human decision")
)

// Bridge is a single-slot request/response rendezvous between the loop and
// the operator.
type Bridge struct {
	mu        sync.Mutex
	pending   *pending
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	listeners []func(Request)
}

type pending struct {
	req   Request
	reply chan Response
}

// NewBridge returns a bridge. A zero timeout waits indefinitely.
func NewBridge(timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		timeout: timeout,
		logger:  logger.With("component", "human-bridge"),
		now:     time.Now,
	}
}

// OnRequest registers fn to be called, on its own goroutine, whenever a
// request becomes outstanding.
func (b *Bridge) OnRequest(fn func(Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Ask publishes req as the outstanding request and blocks until a matching
// response, the timeout, or ctx cancellation.
func (b *Bridge) Ask(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = b.now().UTC()
	}

	b.mu.Lock()
	if b.pending != nil {
		b.mu.Unlock()
		b.logger.Warn("rejected concurrent interaction request", "outstanding", b.pendingID(), "rejected", req.ID)
		return Response{}, ErrRequestOutstanding
	}
	p := &pending{req: req, reply: make(chan Response, 1)}
	b.pending = p
	listeners := append([]func(Request){}, b.listeners...)
	b.mu.Unlock()

	defer b.release(p)

	b.logger.Info("awaiting human decision", "request_id", req.ID, "options", req.Labels())
	for _, fn := range listeners {
		go fn(req)
	}

	var timeout <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-p.reply:
		return resp, nil
	case <-timeout:
		return Response{}, fmt.Errorf("%w after %s", ErrTimeout, b.timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Respond delivers the operator's choice for requestID. Exactly one response
// is accepted per request.
func (b *Bridge) Respond(requestID, label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pending
	if p == nil || p.req.ID != requestID {
		b.logger.Warn("discarded stale human response", "request_id", requestID, "label", label)
		return fmt.Errorf("%w: %s", ErrStaleResponse, requestID)
	}
	opt, ok := p.req.Option(label)
	if !ok {
		b.logger.Warn("discarded invalid human response", "request_id", requestID, "label", label)
		return fmt.Errorf("%w: %q (offered %v)", ErrInvalidOption, label, p.req.Labels())
	}

	select {
	case p.reply <- Response{RequestID: requestID, SelectedLabel: opt.Label, RespondedAt: b.now().UTC()}:
	default:
		return fmt.Errorf("%w: %s already answered", ErrStaleResponse, requestID)
	}
	b.logger.Info("human decision received", "request_id", requestID, "label", opt.Label)
	return nil
}

// Pending returns the outstanding request, if any.
func (b *Bridge) Pending() (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Request{}, false
	}
	return b.pending.req, true
}

func (b *Bridge) release(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == p {
		b.pending = nil
	}
}

func (b *Bridge) pendingID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return ""
	}
	return b.pending.req.ID
}
