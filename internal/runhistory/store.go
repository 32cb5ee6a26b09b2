// Package runhistory persists a bounded, append-only record of completed
// agent runs for later inspection (status commands, usage accounting,
// post-mortems). It never blocks the run scheduler on durability: a failed
// append or trim is logged and swallowed rather than propagated, matching
// the fire-and-forget nature of a history log.
package runhistory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	// minRecords is the floor applied to a caller-supplied maxRecords, so a
	// zero or negative value from config doesn't collapse the trim window
	// to nothing.
	minRecords = 100

	// trimEvery is how many appends accumulate before a trim pass runs.
	trimEvery = 100

	// maxLoadLimit bounds LoadRecent against a misconfigured or malicious
	// caller-supplied limit.
	maxLoadLimit = 5000
)

// Store is an append-only JSONL log of terminal RunState snapshots, bounded
// to the most recent maxRecords entries.
type Store struct {
	dir        string
	path       string
	maxRecords int
	logger     *observability.Logger

	mu               sync.Mutex
	appendsSinceTrim int
}

// New creates a run history store rooted at dir/runs.jsonl, creating dir if
// necessary. maxRecords below 100 is raised to 100.
func New(dir string, maxRecords int, logger *observability.Logger) (*Store, error) {
	if maxRecords < minRecords {
		maxRecords = minRecords
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runhistory: create dir: %w", err)
	}
	return &Store{
		dir:        dir,
		path:       filepath.Join(dir, "runs.jsonl"),
		maxRecords: maxRecords,
		logger:     logger,
	}, nil
}

// Append writes run's terminal snapshot as one JSONL line and, every
// trimEvery appends, trims the file back down to maxRecords lines. Append
// never returns an error to the caller; failures are logged, since a lost
// history line must not fail or stall a run.
func (s *Store) Append(run *models.RunState) {
	data, err := json.Marshal(run)
	if err != nil {
		s.logf("failed marshaling run record: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logf("failed opening run history: %v", err)
		return
	}
	_, writeErr := f.Write(append(data, '\n'))
	closeErr := f.Close()
	if writeErr != nil {
		s.logf("failed appending run record: %v", writeErr)
		return
	}
	if closeErr != nil {
		s.logf("failed closing run history: %v", closeErr)
	}

	s.appendsSinceTrim++
	if s.appendsSinceTrim >= trimEvery {
		s.appendsSinceTrim = 0
		if _, err := s.trimLocked(); err != nil {
			s.logf("run history trim skipped: %v", err)
		}
	}
}

// LoadRecent returns up to limit most-recent run records, newest first.
// limit is clamped to [1, maxLoadLimit].
func (s *Store) LoadRecent(limit int) ([]*models.RunState, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxLoadLimit {
		limit = maxLoadLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runhistory: open: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runhistory: scan: %w", err)
	}

	out := make([]*models.RunState, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var run models.RunState
		if err := json.Unmarshal([]byte(lines[i]), &run); err != nil {
			continue
		}
		out = append(out, &run)
	}
	return out, nil
}

// Trim forces a trim pass down to maxRecords lines regardless of the
// appends-since-trim counter, reporting how many lines were removed.
// Exposed for callers (e.g. a retention sweep) that need the file
// bounded on demand rather than waiting for the next trimEvery appends.
func (s *Store) Trim() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendsSinceTrim = 0
	return s.trimLocked()
}

// trimLocked truncates the history file to the newest maxRecords lines via
// a tempfile-and-rename swap, so a crash mid-trim leaves either the old or
// the new file intact but never a half-written one. Callers must hold mu.
// It returns how many lines were dropped.
func (s *Store) trimLocked() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, scanErr
	}

	if len(lines) <= s.maxRecords {
		return 0, nil
	}
	dropped := len(lines) - s.maxRecords
	kept := lines[dropped:]

	tmp, err := os.CreateTemp(s.dir, "runs-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		if _, err := w.WriteString(line); err != nil {
			tmp.Close()
			return 0, err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return 0, err
	}
	return dropped, nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(context.Background(), fmt.Sprintf(format, args...))
}
