// Package safety implements the checkpoint and recovery-queue middleware that
// guards every mutating step.
package safety

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoint is a reversible snapshot taken before a step runs.
type Checkpoint struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Method    string    `json:"method"`
}

// History is the append-only checkpoint log stored as JSON lines.
type History struct {
	path string
	mu   sync.Mutex
	last *Checkpoint
}

// OpenHistory opens (or prepares) the history file at path and loads the most
// recent entry.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	h := &History{path: path}
	entries, err := h.Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		h.last = &last
	}
	return h, nil
}

// Append records cp at the end of the log.
func (h *History) Append(cp Checkpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open checkpoint history: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	h.last = &cp
	return nil
}

// Last returns the most recent checkpoint.
func (h *History) Last() (Checkpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return Checkpoint{}, false
	}
	return *h.last, true
}

// LastForTask returns the most recent checkpoint taken for taskID.
func (h *History) LastForTask(taskID string) (Checkpoint, bool, error) {
	entries, err := h.Entries()
	if err != nil {
		return Checkpoint{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TaskID == taskID {
			return entries[i], true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// Find returns the checkpoint with the given id.
func (h *History) Find(id string) (Checkpoint, bool, error) {
	entries, err := h.Entries()
	if err != nil {
		return Checkpoint{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID == id {
			return entries[i], true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// Entries reads the full log in append order. Malformed lines are skipped.
func (h *History) Entries() ([]Checkpoint, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open checkpoint history: %w", err)
	}
	defer f.Close()

	var out []Checkpoint
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint history: %w", err)
	}
	return out, nil
}
