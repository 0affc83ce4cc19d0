// Package audit persists the engine's append-only records: cycle reports
// and snapshot captures. Storage is JSONL on local disk, one file per scope
// per record kind. Records are never updated or deleted.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/cycle"
	"github.com/fyrsmithlabs/remedyd/internal/snapshot"
)

const (
	reportsFile   = "reports.jsonl"
	snapshotsFile = "snapshots.jsonl"

	dirPerm  = 0o755
	filePerm = 0o644

	// maxLineBytes bounds a single JSONL record on read.
	maxLineBytes = 4 * 1024 * 1024
)

// Store is the append-only JSONL store. It satisfies both the orchestrator's
// report store and the snapshot manager's recorder.
type Store struct {
	baseDir string
	logger  *zap.Logger

	mu sync.Mutex
}

// NewStore creates the store rooted at baseDir, creating it if needed.
func NewStore(baseDir string, logger *zap.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &Store{baseDir: baseDir, logger: logger}, nil
}

// AppendReport appends one cycle report to the scope's report log.
func (s *Store) AppendReport(rep *cycle.CycleReport) error {
	if rep == nil {
		return errors.New("report is required")
	}
	return s.appendLine(rep.Scope, reportsFile, rep)
}

// AppendSnapshot durably records a snapshot capture.
func (s *Store) AppendSnapshot(snap snapshot.Snapshot) error {
	return s.appendLine(snap.Scope, snapshotsFile, snap)
}

// ListReports returns the scope's reports newest-first, at most limit.
// A missing log means no reports yet, not an error.
func (s *Store) ListReports(scope string, limit int) ([]cycle.CycleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.scopePath(scope, reportsFile)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open report log: %w", err)
	}
	defer f.Close()

	var reports []cycle.CycleReport
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rep cycle.CycleReport
		if err := json.Unmarshal(line, &rep); err != nil {
			// A torn tail line (crash mid-append) is skipped, not fatal.
			s.logger.Warn("skipping malformed audit record",
				zap.String("scope", scope),
				zap.Error(err),
			)
			continue
		}
		reports = append(reports, rep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read report log: %w", err)
	}

	// Appended oldest-first on disk; serve newest-first.
	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

func (s *Store) appendLine(scope, file string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.scopePath(scope, file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create scope directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// scopePath maps a scope to its directory, refusing anything that would
// escape the base directory.
func (s *Store) scopePath(scope, file string) (string, error) {
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if strings.ContainsAny(scope, "/\\") || strings.Contains(scope, "..") {
		return "", fmt.Errorf("invalid scope name %q", scope)
	}
	return filepath.Join(s.baseDir, scope, file), nil
}

// compile-time interface checks
var (
	_ cycle.ReportStore = (*Store)(nil)
	_ snapshot.Recorder = (*Store)(nil)
)
