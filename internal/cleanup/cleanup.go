// Package cleanup reclaims disk space from finished transfers and from
// partial-file artifacts that no tracked transfer owns anymore.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

// DeleteExpiredFiles deletes completed downloads older than keepDuration
// and prunes their records. A zero keepDuration disables retention.
func DeleteExpiredFiles(ctx context.Context, repo storage.TransferRepository, keepDuration time.Duration) error {
	if keepDuration <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	completed, err := repo.GetByStatus(transfer.StatusCompleted)
	if err != nil {
		return err
	}

	for _, t := range completed {
		info, err := os.Stat(t.Destination)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", t.Destination, "err", err)

			return err
		}

		finishedAt := info.ModTime()

		if now.Sub(finishedAt) > keepDuration {
			if err := os.Remove(t.Destination); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", t.Destination, "err", err)

				return err
			}

			if err := repo.Delete(t.ID); err != nil {
				logger.Error("failed to prune expired record", "transfer_id", t.ID, "err", err)

				return err
			}

			logger.Info("deleted expired file", "file", t.Destination)
		}
	}

	return nil
}

// DeleteOrphanArtifacts walks dir and removes partial-file artifacts
// whose destination is not owned by any tracked transfer.
func DeleteOrphanArtifacts(ctx context.Context, repo storage.TransferReadRepository, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	all, err := repo.GetAll()
	if err != nil {
		return err
	}

	owned := make(map[string]struct{}, len(all))
	for _, t := range all {
		owned[t.Destination] = struct{}{}
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if !strings.HasSuffix(path, downloader.PartSuffix) {
			return nil
		}

		dest := strings.TrimSuffix(path, downloader.PartSuffix)
		if _, ok := owned[dest]; ok {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete orphan artifact", "file", path, "err", err)

			return err
		}

		logger.Info("deleted orphan artifact", "file", path)

		return nil
	})
}

// RemoveArtifact removes the partial file for a destination. It is used
// when recovery resets a transfer's byte count back to zero.
func RemoveArtifact(dest string) error {
	err := os.Remove(dest + downloader.PartSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
