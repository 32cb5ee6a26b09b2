// Package compliance runs the retention sweep, targeted purge, and
// session export operations that keep durable runtime state bounded
// and exportable on operator request.
package compliance

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/runhistory"
	"github.com/haasonsaas/nexus/internal/secrets"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

const defaultSessionRetention = 30 * 24 * time.Hour

// Config configures a Service.
type Config struct {
	// SessionRetention bounds how long an idle session's JSONL file is
	// kept before a sweep deletes it. Defaults to 30 days.
	SessionRetention time.Duration
	// ExportDir is where export bundles are written when the caller
	// doesn't specify an explicit output path.
	ExportDir string
	// KnownSecretKeys lists the secret keys PurgeSecrets is allowed to
	// consider, since the secrets.Store backends don't support
	// enumeration; an operator-supplied denylist pattern is matched
	// against this list rather than the backend directly.
	KnownSecretKeys []string
}

// Service runs retention sweeps, targeted purges, and session exports
// over the sessions and run-history stores.
type Service struct {
	sessions   sessions.Store
	runHistory *runhistory.Store
	secrets    secrets.Store
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a Service. secretStore may be nil when secret purge isn't
// applicable (no secrets backend configured).
func New(sessionStore sessions.Store, runHistory *runhistory.Store, secretStore secrets.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = defaultSessionRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:   sessionStore,
		runHistory: runHistory,
		secrets:    secretStore,
		cfg:        cfg,
		logger:     logger.With("component", "compliance.service"),
		now:        time.Now,
	}
}

// Sweep applies the configured retention window to sessions and trims
// the run history store back to its configured maxRecords, returning a
// summary of what was removed. Each step is independent: a failure in
// one doesn't prevent the others from running.
func (s *Service) Sweep(ctx context.Context) (models.ComplianceSweepResult, error) {
	result := models.ComplianceSweepResult{StartedAt: s.now()}

	purged, err := s.purgeStaleSessions(ctx)
	if err != nil {
		s.logger.Warn("session retention sweep failed", "error", err)
	}
	result.SessionsPurged = purged

	if s.runHistory != nil {
		trimmed, err := s.runHistory.Trim()
		if err != nil {
			s.logger.Warn("run history trim failed", "error", err)
		}
		result.RunsPurged = trimmed
	}

	result.EndedAt = s.now()
	return result, nil
}

func (s *Service) purgeStaleSessions(ctx context.Context) (int, error) {
	if s.sessions == nil {
		return 0, nil
	}
	infos, err := s.sessions.List()
	if err != nil {
		return 0, fmt.Errorf("compliance: list sessions: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.SessionRetention)
	purged := 0
	for _, info := range infos {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}

		updated, parseErr := time.Parse(time.RFC3339Nano, info.UpdatedAt)
		if parseErr != nil || updated.After(cutoff) {
			continue
		}
		removed, delErr := s.sessions.Delete(info.Key)
		if delErr != nil {
			s.logger.Warn("failed purging stale session", "session_key", info.Key, "error", delErr)
			continue
		}
		if removed {
			purged++
		}
	}
	return purged, nil
}

// PurgeSecrets deletes every key in cfg.KnownSecretKeys matching any of
// the given regex patterns, for an operator-initiated targeted purge
// rather than the scheduled retention sweep.
func (s *Service) PurgeSecrets(patterns []string) (int, error) {
	if s.secrets == nil || len(patterns) == 0 {
		return 0, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return 0, fmt.Errorf("compliance: invalid secret denylist pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	purged := 0
	for _, key := range s.cfg.KnownSecretKeys {
		if !s.secrets.Has(key) {
			continue
		}
		matched := false
		for _, re := range compiled {
			if re.MatchString(key) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if err := s.secrets.Delete(key); err != nil {
			s.logger.Warn("failed purging secret", "key", key, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

// ExportSession bundles one session's JSONL file and its run history
// records into a zip archive, returning the path written. outputPath,
// if empty, defaults to a timestamped file under cfg.ExportDir.
func (s *Service) ExportSession(sessionKey, outputPath string) (string, error) {
	if s.sessions == nil {
		return "", fmt.Errorf("compliance: no session store configured")
	}

	infos, err := s.sessions.List()
	if err != nil {
		return "", fmt.Errorf("compliance: list sessions: %w", err)
	}
	var sessionPath string
	for _, info := range infos {
		if info.Key == sessionKey {
			sessionPath = info.Path
			break
		}
	}
	if sessionPath == "" {
		return "", fmt.Errorf("compliance: unknown session %q", sessionKey)
	}

	if outputPath == "" {
		dir := s.cfg.ExportDir
		if dir == "" {
			dir = "."
		}
		stamp := s.now().Format("20060102-150405")
		outputPath = filepath.Join(dir, fmt.Sprintf("export-%s-%s.zip", safeExportName(sessionKey), stamp))
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("compliance: create export dir: %w", err)
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("compliance: create export file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	if err := addFileToZip(zw, sessionPath, "sessions/"+filepath.Base(sessionPath)); err != nil {
		zw.Close()
		return "", err
	}

	if s.runHistory != nil {
		records, err := s.runHistory.LoadRecent(5000)
		if err != nil {
			zw.Close()
			return "", fmt.Errorf("compliance: load run history: %w", err)
		}
		if err := addRunHistoryToZip(zw, sessionKey, records); err != nil {
			zw.Close()
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compliance: finalize export archive: %w", err)
	}
	return outputPath, nil
}

func addFileToZip(zw *zip.Writer, srcPath, arcName string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("compliance: open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := zw.Create(arcName)
	if err != nil {
		return fmt.Errorf("compliance: add %s to archive: %w", arcName, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("compliance: write %s to archive: %w", arcName, err)
	}
	return nil
}

func addRunHistoryToZip(zw *zip.Writer, sessionKey string, records []*models.RunState) error {
	dst, err := zw.Create("runs/" + safeExportName(sessionKey) + ".jsonl")
	if err != nil {
		return fmt.Errorf("compliance: add run history to archive: %w", err)
	}
	for _, run := range records {
		if run.SessionKey != sessionKey {
			continue
		}
		line, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("compliance: marshal run record: %w", err)
		}
		if _, err := dst.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("compliance: write run history to archive: %w", err)
		}
	}
	return nil
}

func safeExportName(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	safe := replacer.Replace(key)
	if safe == "" {
		safe = "session"
	}
	return safe
}
