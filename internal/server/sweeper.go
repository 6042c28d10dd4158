package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// sweepInterval is how often the work directory is checked for files whose
// job has expired.
const sweepInterval = 5 * time.Minute

// runSweeper removes orphaned work files until ctx is cancelled.
func (s *Server) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweepWorkDir(ctx); err != nil {
				s.logger.WithError(err).Warn("Work directory sweep failed")
			}
		}
	}
}

// sweepWorkDir deletes uploads and repaired outputs whose job is no longer
// registered. Files of repairs in progress here, and files written within
// the request timeouts, are left alone since their job may not be
// registered yet. It returns the number of files removed.
func (s *Server) sweepWorkDir(ctx context.Context) (int, error) {
	live, err := s.jobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	keep := make(map[string]struct{}, len(live))
	for _, job := range live {
		keep[job.ID] = struct{}{}
	}

	entries, err := os.ReadDir(s.config.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("read work directory: %w", err)
	}

	cutoff := s.now().Add(-(s.config.ReadTimeout + s.config.WriteTimeout))
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, ok := jobIDFromFile(e.Name())
		if !ok {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if _, ok := s.inFlight.Load(id); ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.config.WorkDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", path).Warn("Failed to remove expired work file")
			continue
		}
		removed++
		s.logger.WithFields(logrus.Fields{
			"job_id": id,
			"file":   e.Name(),
		}).Debug("Removed expired work file")
	}

	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Swept expired work files")
	}
	return removed, nil
}

// jobIDFromFile extracts the job ID that prefixes work file names, as in
// "<id>.upload" and "<id>-repaired.h264".
func jobIDFromFile(name string) (string, bool) {
	const idLen = 36
	if len(name) < idLen {
		return "", false
	}
	id := name[:idLen]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	if rest := name[idLen:]; rest != "" && rest[0] != '.' && rest[0] != '-' {
		return "", false
	}
	return id, true
}
