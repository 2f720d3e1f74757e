package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/pkg/logger"
)

const artifactPrefix = "mole-dump-"

// Scratch manages the temporary directory holding dump artifacts. Artifacts
// are uniquely named per run and removed when the run ends; Sweep reclaims
// leftovers from unclean shutdowns.
type Scratch struct {
	dir string
	log *logger.Logger
}

func NewScratch(dir string, log *logger.Logger) (*Scratch, error) {
	if log == nil {
		log = logger.NewDefault("scratch")
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "mole-sync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir %s: %w", dir, err)
	}
	return &Scratch{dir: dir, log: log}, nil
}

func (s *Scratch) Dir() string { return s.dir }

// ArtifactPath returns the artifact filename for a run. Postgres dumps use
// the custom archive format, everything else plain SQL.
func (s *Scratch) ArtifactPath(runID string, kind connection.Engine) string {
	ext := ".sql"
	if kind == connection.EnginePostgreSQL {
		ext = ".pgdump"
	}
	return filepath.Join(s.dir, artifactPrefix+runID+ext)
}

// Remove deletes an artifact, logging rather than failing the run on error.
func (s *Scratch) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("artifact", path).Warn("failed to remove dump artifact")
	}
}

// Sweep removes orphaned artifacts older than the threshold and returns how
// many were deleted. Called once at startup.
func (s *Scratch) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), artifactPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.WithError(err).WithField("artifact", path).Warn("failed to sweep orphaned artifact")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.WithField("count", removed).Info("swept orphaned dump artifacts")
	}
	return removed, nil
}
