package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *sqlite.TransferRepository {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	repo := sqlite.NewTransferRepository(db)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func insertCompleted(t *testing.T, repo *sqlite.TransferRepository, dest string) *transfer.Transfer {
	t.Helper()

	tr := transfer.New("http://host"+dest, dest)
	tr.Status = transfer.StatusCompleted
	tr.Downloaded, tr.Total = 4, 4

	inserted, err := repo.Insert(tr)
	require.NoError(t, err)

	return inserted
}

func TestDeleteExpiredFiles(t *testing.T) {
	repo := newRepo(t)
	dir := t.TempDir()

	oldDest := filepath.Join(dir, "old.bin")
	require.NoError(t, os.WriteFile(oldDest, []byte("data"), 0644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDest, past, past))

	freshDest := filepath.Join(dir, "fresh.bin")
	require.NoError(t, os.WriteFile(freshDest, []byte("data"), 0644))

	expired := insertCompleted(t, repo, oldDest)
	kept := insertCompleted(t, repo, freshDest)

	require.NoError(t, DeleteExpiredFiles(context.Background(), repo, 24*time.Hour))

	_, err := os.Stat(oldDest)
	assert.True(t, os.IsNotExist(err), "expired file must be deleted")

	_, err = repo.GetByID(expired.ID)
	assert.Error(t, err, "expired record must be pruned")

	_, err = os.Stat(freshDest)
	assert.NoError(t, err)

	_, err = repo.GetByID(kept.ID)
	assert.NoError(t, err)
}

func TestDeleteExpiredFilesDisabled(t *testing.T) {
	repo := newRepo(t)
	dir := t.TempDir()

	dest := filepath.Join(dir, "old.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(dest, past, past))

	insertCompleted(t, repo, dest)

	// Zero retention means keep everything forever.
	require.NoError(t, DeleteExpiredFiles(context.Background(), repo, 0))

	_, err := os.Stat(dest)
	assert.NoError(t, err)
}

func TestDeleteOrphanArtifacts(t *testing.T) {
	repo := newRepo(t)
	dir := t.TempDir()

	ownedDest := filepath.Join(dir, "owned.bin")
	tr := transfer.New("http://host/owned.bin", ownedDest)
	tr.Status = transfer.StatusQueued
	_, err := repo.Insert(tr)
	require.NoError(t, err)

	ownedPart := ownedDest + downloader.PartSuffix
	orphanPart := filepath.Join(dir, "orphan.bin") + downloader.PartSuffix
	regular := filepath.Join(dir, "regular.bin")

	for _, path := range []string{ownedPart, orphanPart, regular} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}

	require.NoError(t, DeleteOrphanArtifacts(context.Background(), repo, dir))

	_, err = os.Stat(ownedPart)
	assert.NoError(t, err, "artifacts of tracked transfers stay")

	_, err = os.Stat(orphanPart)
	assert.True(t, os.IsNotExist(err), "orphan artifacts go")

	_, err = os.Stat(regular)
	assert.NoError(t, err, "non-artifact files are never touched")
}

func TestRemoveArtifact(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.bin")

	require.NoError(t, os.WriteFile(dest+downloader.PartSuffix, []byte("x"), 0644))

	require.NoError(t, RemoveArtifact(dest))

	_, err := os.Stat(dest + downloader.PartSuffix)
	assert.True(t, os.IsNotExist(err))

	// Missing artifacts are fine.
	require.NoError(t, RemoveArtifact(dest))
}
