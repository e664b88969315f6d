package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNoContent marks a provider reply that carried no usable candidate.
var ErrNoContent = errors.New("no content in reply")

// ProviderError is a failed model call. Status is the HTTP status the
// provider answered with, or 0 when no response arrived.
type ProviderError struct {
	Adapter string
	Model   string
	Status  int
	Err     error
}

func (e *ProviderError) Error() string {
	target := e.Adapter
	if e.Model != "" {
		target += "/" + e.Model
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", target, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", target, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the provider status invites another attempt.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500 && e.Status <= 599:
		return true
	}
	return false
}

func failed(adapterName, model string, status int, err error) error {
	return &ProviderError{Adapter: adapterName, Model: model, Status: status, Err: err}
}

// IsTransient reports whether Call should retry err. Cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var provider *ProviderError
	return errors.As(err, &provider) && provider.Retryable()
}
