// Package recorder is the append-only flight log: one JSON line per
// finished action outcome, rotated per session.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"desknerd-mcp-server/internal/action"
)

const (
	DefaultMaxRotated = 3
	DefaultDir        = "data/traces"

	// recentCap bounds the in-memory tail served to read-back queries.
	recentCap = 256
)

// Recorder appends outcomes to a per-session JSONL file and keeps a
// bounded in-memory tail for queries. Records are never mutated.
type Recorder struct {
	mu         sync.Mutex
	file       *os.File
	encoder    *json.Encoder
	dir        string
	maxRotated int
	session    string
	path       string
	recent     []action.Outcome
}

// New creates a recorder writing under dir. It ensures the directory
// exists; maxRotated <= 0 falls back to the default.
func New(dir string, maxRotated int) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if maxRotated <= 0 {
		maxRotated = DefaultMaxRotated
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		dir:        dir,
		maxRotated: maxRotated,
	}, nil
}

// Start opens a new session file, rotating old traces so at most
// maxRotated remain. An empty session ID gets a generated one.
func (r *Recorder) Start(session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	if session == "" {
		session = uuid.NewString()[:8]
	}
	filename := fmt.Sprintf("outcomes_%s_%d.jsonl", session, time.Now().UnixMilli())
	path := filepath.Join(r.dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.session = session
	r.path = path
	return nil
}

// Record appends one outcome. Without a started session the outcome
// is still retained in memory so queries work in ephemeral setups.
func (r *Recorder) Record(out action.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, out)
	if len(r.recent) > recentCap {
		r.recent = r.recent[len(r.recent)-recentCap:]
	}

	if r.encoder == nil {
		return nil
	}
	return r.encoder.Encode(out)
}

// Recent returns up to limit outcomes, newest first, optionally
// filtered to one target (case-insensitive).
func (r *Recorder) Recent(limit int, target string) []action.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	want := strings.ToLower(strings.TrimSpace(target))

	out := make([]action.Outcome, 0, limit)
	for i := len(r.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if want != "" && strings.ToLower(r.recent[i].Target) != want {
			continue
		}
		out = append(out, r.recent[i])
	}
	return out
}

// Session returns the active session ID, empty before Start.
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Path returns the active trace file path, empty before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// rotate keeps only the newest trace files, leaving room for the one
// about to be created.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	if len(traces) >= r.maxRotated {
		keep := r.maxRotated - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(r.dir, traces[i].Name))
		}
	}
	return nil
}

// Close finishes the active session file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
