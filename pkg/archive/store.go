// Package archive keeps the history of finished tasks: content-addressed
// task records plus an append-only index.
package archive

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const indexFile = "tasks.jsonl"

// Ref addresses a stored object.
type Ref struct {
	Kind   string `json:"kind"`
	SHA256 string `json:"sha256"`
}

// Entry is one finished task in the index.
type Entry struct {
	TaskID        string    `json:"task_id"`
	Title         string    `json:"title"`
	CorrelationID string    `json:"correlation_id"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Iterations    int       `json:"iterations"`
	Blocks        int       `json:"blocks"`
	CostUSD       float64   `json:"cost_usd"`
	EvidenceDir   string    `json:"evidence_dir,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
	Record        Ref       `json:"record"`
	Attestation   *Ref      `json:"attestation,omitempty"`
}

// Store manages the archive under BasePath.
type Store struct {
	BasePath string
	mu       sync.Mutex
}

// NewStore creates the archive directories under basePath.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	for _, d := range []string{"objects", "indexes"} {
		if err := os.MkdirAll(filepath.Join(basePath, d), 0755); err != nil {
			return nil, err
		}
	}
	return &Store{BasePath: basePath}, nil
}

// StoreObject stores obj as JSON by its SHA256 content hash in a sharded
// directory structure.
func (s *Store) StoreObject(obj any, kind string) (Ref, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Ref{}, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Ref{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, hash+".json"), data, 0644); err != nil {
		return Ref{}, err
	}
	return Ref{Kind: kind, SHA256: hash}, nil
}

// Load decodes the object at ref into v.
func (s *Store) Load(ref Ref, v any) error {
	if len(ref.SHA256) < 2 {
		return fmt.Errorf("invalid archive ref %q", ref.SHA256)
	}
	data, err := os.ReadFile(filepath.Join(s.BasePath, "objects", ref.SHA256[:2], ref.SHA256+".json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Append adds entry to the index. Existing lines are never rewritten.
func (s *Store) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.indexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Find returns the most recent entry for taskID.
func (s *Store) Find(taskID string) (Entry, bool, error) {
	entries, err := s.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TaskID == taskID {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// Entries returns the index in append order.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse %s: %w", indexFile, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (s *Store) indexPath() string {
	return filepath.Join(s.BasePath, "indexes", indexFile)
}
