// Package runlog records what a dispatch run did: a streaming event log,
// one summary document per contact, and a final run summary. Artifacts are
// plain files so a run remains inspectable after the process exits.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry in the append-only run event stream.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	// Kind names what happened: "run_started", "contact_scheduled",
	// "contact_completed", "contact_failed", "cycle_empty", "run_finished".
	Kind      string `json:"kind"`
	ContactID string `json:"contact_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Summary is the final run document.
type Summary struct {
	RunID       string    `json:"run_id"`
	Generator   string    `json:"generator"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	State       string    `json:"state"`
	Scheduled   int       `json:"scheduled"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Contended   int       `json:"contended"`
	EmptyCycles int       `json:"empty_cycles"`
	Interrupted bool      `json:"interrupted"`
}

// Recorder receives run progress. Implementations must tolerate concurrent
// AppendEvent and WriteContactSummary calls from worker goroutines.
type Recorder interface {
	AppendEvent(ctx context.Context, ev Event) error
	WriteContactSummary(ctx context.Context, contactID string, payload any) error
	WriteFinalSummary(ctx context.Context, s Summary) error
}

// FSRecorder writes run artifacts under <base>/<run_id>/:
// summary.ndjson for the event stream, contacts/<id>.json per contact, and
// summary.json once at the end.
type FSRecorder struct {
	runID string
	dir   string

	mu     sync.Mutex
	stream *os.File
}

var _ Recorder = (*FSRecorder)(nil)

func NewFSRecorder(base, runID string) (*FSRecorder, error) {
	dir := filepath.Join(base, runID)
	if err := os.MkdirAll(filepath.Join(dir, "contacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	stream, err := os.OpenFile(filepath.Join(dir, "summary.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return &FSRecorder{runID: runID, dir: dir, stream: stream}, nil
}

// Dir returns the run's artifact directory.
func (r *FSRecorder) Dir() string {
	return r.dir
}

// AppendEvent writes one ndjson line. Missing id, run_id and timestamp
// fields are filled in.
func (r *FSRecorder) AppendEvent(_ context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RunID == "" {
		ev.RunID = r.runID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.stream.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *FSRecorder) WriteContactSummary(_ context.Context, contactID string, payload any) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contact summary: %w", err)
	}
	path := filepath.Join(r.dir, "contacts", safeFilename(contactID)+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write contact summary: %w", err)
	}
	return nil
}

// WriteFinalSummary writes summary.json atomically so a reader never sees a
// partial document.
func (r *FSRecorder) WriteFinalSummary(_ context.Context, s Summary) error {
	if s.RunID == "" {
		s.RunID = r.runID
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal final summary: %w", err)
	}
	path := filepath.Join(r.dir, "summary.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write final summary: %w", err)
	}
	return os.Rename(tmp, path)
}

// Close closes the event stream. Further AppendEvent calls fail.
func (r *FSRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream.Close()
}

func safeFilename(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

var _ Recorder = (*NoopRecorder)(nil)

func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

func (*NoopRecorder) AppendEvent(context.Context, Event) error { return nil }

func (*NoopRecorder) WriteContactSummary(context.Context, string, any) error { return nil }

func (*NoopRecorder) WriteFinalSummary(context.Context, Summary) error { return nil }
