package safety

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval bounds how long a cleared recovery file can go unnoticed.
const DefaultPollInterval = 2 * time.Second

// Watcher waits for the recovery queue to be cleared.
type Watcher struct {
	queue    *RecoveryQueue
	blocked  func() bool
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher returns a watcher polling queue every interval.
func NewWatcher(queue *RecoveryQueue, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		queue:    queue,
		blocked:  queue.IsBlocked,
		interval: interval,
		logger:   logger.With("component", "recovery-watcher"),
	}
}

// WaitClear blocks until the queue is empty or ctx ends. File events only
// shorten the wait; the poll interval is the correctness bound.
func (w *Watcher) WaitClear(ctx context.Context) error {
	if !w.blocked() {
		return nil
	}

	events, stop := w.notify()
	defer stop()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		}
		if !w.blocked() {
			w.logger.Info("recovery queue cleared", "path", w.queue.Path())
			return nil
		}
	}
}

// notify watches the directory holding the recovery file, since editors
// often replace the file rather than write it in place. A nil channel is
// returned when fsnotify is unavailable.
func (w *Watcher) notify() (<-chan struct{}, func()) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watching unavailable, polling only", "error", err)
		return nil, func() {}
	}
	if err := fw.Add(filepath.Dir(w.queue.Path())); err != nil {
		w.logger.Warn("file watching unavailable, polling only", "error", err)
		fw.Close()
		return nil, func() {}
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		name := filepath.Base(w.queue.Path())
		for {
			select {
			case <-done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Debug("file watch error", "error", err)
			}
		}
	}()

	return out, func() {
		close(done)
		fw.Close()
	}
}
