// Package trajectory persists the full decision history of a run as a single
// JSON document, rewritten atomically after every step so a crash never leaves
// a torn file behind.
package trajectory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// document is the on-disk shape of a trajectory file.
type document struct {
	RunID            string    `json:"run_id"`
	Target           string    `json:"target"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
	Outcome          string    `json:"outcome,omitempty"`
	CumulativeReward float64   `json:"cumulative_reward"`
	Steps            []any     `json:"steps"`
}

// Recorder appends steps to a per-run trajectory file under the configured
// directory. All methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	path   string
	doc    document
	logger *zap.Logger
}

// New creates the trajectory directory if needed and writes the initial
// (empty) document for the run.
func New(dir, runID, target string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trajectory dir: %w", err)
	}
	r := &Recorder{
		path: filepath.Join(dir, runID+".json"),
		doc: document{
			RunID:     runID,
			Target:    target,
			StartedAt: time.Now().UTC(),
			Steps:     []any{},
		},
		logger: logger.Named("trajectory"),
	}
	if err := r.flushLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the trajectory file location.
func (r *Recorder) Path() string {
	return r.path
}

// Append records one step and rewrites the document.
func (r *Recorder) Append(step any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Steps = append(r.doc.Steps, step)
	return r.flushLocked()
}

// Finalize stamps the outcome and cumulative reward and performs the last
// write for the run.
func (r *Recorder) Finalize(outcome string, cumulativeReward float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Outcome = outcome
	r.doc.CumulativeReward = cumulativeReward
	r.doc.FinishedAt = time.Now().UTC()
	return r.flushLocked()
}

// flushLocked writes the document to a temp file in the same directory, syncs
// it and renames it over the target so readers never observe a partial write.
func (r *Recorder) flushLocked() error {
	data, err := json.MarshalIndent(&r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding trajectory: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".trajectory-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp trajectory file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing trajectory: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing trajectory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing trajectory: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing trajectory: %w", err)
	}
	return nil
}
