package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const markdownHeader = "# Request Log (Audit Trail)\n\n| Timestamp | Event Type | Correlation ID | Details |\n| --- | --- | --- | --- |\n"

// MarkdownLog appends rows to RequestLog.md.
type MarkdownLog struct {
	path string
	mu   sync.Mutex
}

// NewMarkdownLog returns a log writing to path.
func NewMarkdownLog(path string) *MarkdownLog {
	return &MarkdownLog{path: path}
}

// Path returns the log file location.
func (l *MarkdownLog) Path() string {
	return l.path
}

func (l *MarkdownLog) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(markdownHeader); err != nil {
			return err
		}
	}

	row := fmt.Sprintf("| %s | %s | %s | %s |\n",
		e.Timestamp.UTC().Format(time.RFC3339),
		cell(e.EventType),
		cell(e.CorrelationID),
		cell(e.Details),
	)
	if _, err := f.WriteString(row); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

func (l *MarkdownLog) Close() error { return nil }

// cell keeps a value inside one table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
