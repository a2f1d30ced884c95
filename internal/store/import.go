package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// InvalidSuffix is appended to queue files that could not be parsed during an import.
const InvalidSuffix = ".invalid"

// ImportReport counts what an import did, or would do in a dry run, for one direction.
type ImportReport struct {
	Direction   models.Direction `json:"direction"`
	Imported    int              `json:"imported"`
	DeadLetters int              `json:"deadLetters"`
	Skipped     int              `json:"skipped"`
	Invalid     int              `json:"invalid"`
}

// ImportFileQueues moves the file queues under stateDir into targets, typically SQL stores,
// keeping ids, retry state and dead letters. Entries already present in the target are
// skipped. Entries that were processing when the file worker stopped are imported as
// pending. Source files are removed once imported; unparseable files are moved to
// failed/<name>.invalid. A dry run only counts.
func ImportFileQueues(ctx context.Context, stateDir string, targets []QueueStore, dryRun bool) ([]ImportReport, error) {
	reports := make([]ImportReport, 0, len(targets))
	for _, target := range targets {
		report, err := importFileQueue(ctx, stateDir, target, dryRun)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func importFileQueue(ctx context.Context, stateDir string, target QueueStore, dryRun bool) (ImportReport, error) {
	dir := target.Direction()
	report := ImportReport{Direction: dir}
	if _, err := os.Stat(filepath.Join(stateDir, QueueDirName(dir))); os.IsNotExist(err) {
		slog.Info("ImportFileQueues: no file queue found", "direction", dir, "stateDir", stateDir)
		return report, nil
	}

	src, err := NewFileStore(stateDir, dir)
	if err != nil {
		return report, err
	}
	defer src.Close()
	src.mu.Lock()
	defer src.mu.Unlock()

	names, err := src.jsonFiles(src.queueDir)
	if err != nil {
		return report, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		path := filepath.Join(src.queueDir, name)
		entry, err := src.readEntry(path)
		switch {
		case errors.Is(err, models.ErrEntryNotFound):
			continue
		case errors.Is(err, models.ErrInvalidEntry):
			report.Invalid++
			slog.Warn("ImportFileQueues: invalid queue file", "file", path, "error", err)
			if !dryRun {
				if err := src.quarantine(path, name); err != nil {
					return report, err
				}
			}
			continue
		case err != nil:
			return report, err
		}

		if fileExists(src.deadLetterPath(entry.ID)) {
			// Remnant of an interrupted dead-letter move; the dead letter below wins.
			if !dryRun {
				os.Remove(path)
			}
			continue
		}
		if entry.Status == models.StatusProcessing {
			entry.Status = models.StatusPending
			entry.ProcessingStartedAt = time.Time{}
		}
		if dryRun {
			report.Imported++
			continue
		}
		if err := target.Import(ctx, *entry); err != nil {
			if errors.Is(err, models.ErrDuplicateEntry) {
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("import of %s failed: %w", entry.ID, err)
		}
		report.Imported++
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("ImportFileQueues: failed to remove imported file", "file", path, "error", err)
		}
	}

	dlNames, err := src.jsonFiles(src.failedDir)
	if err != nil {
		return report, err
	}
	for _, name := range dlNames {
		path := filepath.Join(src.failedDir, name)
		dl, err := src.readDeadLetter(path)
		if errors.Is(err, models.ErrInvalidEntry) {
			report.Invalid++
			slog.Warn("ImportFileQueues: invalid dead-letter file", "file", path, "error", err)
			continue
		}
		if err != nil {
			continue
		}
		if dryRun {
			report.DeadLetters++
			continue
		}
		if err := target.ImportDeadLetter(ctx, *dl); err != nil {
			if errors.Is(err, models.ErrDuplicateEntry) {
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("import of dead letter %s failed: %w", dl.ID, err)
		}
		report.DeadLetters++
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("ImportFileQueues: failed to remove imported dead letter", "file", path, "error", err)
		}
	}

	slog.Info("ImportFileQueues: direction done", "direction", dir, "imported", report.Imported,
		"deadLetters", report.DeadLetters, "skipped", report.Skipped, "invalid", report.Invalid, "dryRun", dryRun)
	return report, nil
}

// quarantine moves an unparseable queue file out of the scan path. Callers hold s.mu.
func (s *FileStore) quarantine(path, name string) error {
	if err := os.MkdirAll(s.failedDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	dst := filepath.Join(s.failedDir, name+InvalidSuffix)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	return nil
}
