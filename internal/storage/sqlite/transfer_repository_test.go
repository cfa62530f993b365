package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, opts ...Option) *TransferRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	repo := NewTransferRepository(db, opts...)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func queuedTransfer(url, dest string, priority transfer.Priority) *transfer.Transfer {
	tr := transfer.New(url, dest)
	tr.Status = transfer.StatusQueued
	tr.Priority = priority

	return tr
}

func TestInsertAndGetByID(t *testing.T) {
	repo := newTestRepository(t)

	tr := transfer.New("http://host/a.bin", "/data/a.bin")
	tr.Status = transfer.StatusQueued
	tr.GroupID = 7
	tr.Headers["Authorization"] = "token"

	inserted, err := repo.Insert(tr)
	require.NoError(t, err)
	require.NotZero(t, inserted.ID)
	require.NotZero(t, inserted.CreatedAt)

	got, err := repo.GetByID(inserted.ID)
	require.NoError(t, err)

	assert.Equal(t, inserted.URL, got.URL)
	assert.Equal(t, inserted.Destination, got.Destination)
	assert.Equal(t, 7, got.GroupID)
	assert.Equal(t, transfer.StatusQueued, got.Status)
	assert.Equal(t, "token", got.Headers["Authorization"])
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetByID(12345)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertDuplicateDestination(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Insert(queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	_, err = repo.Insert(queuedTransfer("http://host/other.bin", "/data/a.bin", transfer.PriorityNormal))
	require.ErrorIs(t, err, storage.ErrDuplicateDestination)
}

func TestInsertAssignsMonotonicCreated(t *testing.T) {
	repo := newTestRepository(t)

	var last int64

	for i := 0; i < 10; i++ {
		tr, err := repo.Insert(queuedTransfer(
			"http://host/f.bin",
			filepath.Join("/data", string(rune('a'+i))),
			transfer.PriorityNormal,
		))
		require.NoError(t, err)
		require.Greater(t, tr.CreatedAt, last, "created timestamps must be strictly increasing")

		last = tr.CreatedAt
	}
}

func TestGetPendingOrder(t *testing.T) {
	repo := newTestRepository(t)

	low, err := repo.Insert(queuedTransfer("http://host/low.bin", "/data/low.bin", transfer.PriorityLow))
	require.NoError(t, err)

	normalFirst, err := repo.Insert(queuedTransfer("http://host/n1.bin", "/data/n1.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	high, err := repo.Insert(queuedTransfer("http://host/high.bin", "/data/high.bin", transfer.PriorityHigh))
	require.NoError(t, err)

	normalSecond, err := repo.Insert(queuedTransfer("http://host/n2.bin", "/data/n2.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	// A completed row must never appear in the pending set.
	done := transfer.New("http://host/done.bin", "/data/done.bin")
	done.Status = transfer.StatusCompleted
	done.Downloaded, done.Total = 10, 10
	_, err = repo.Insert(done)
	require.NoError(t, err)

	pending, err := repo.GetPending()
	require.NoError(t, err)
	require.Len(t, pending, 4)

	// Priority descending, insertion order inside the same priority.
	assert.Equal(t, high.ID, pending[0].ID)
	assert.Equal(t, normalFirst.ID, pending[1].ID)
	assert.Equal(t, normalSecond.ID, pending[2].ID)
	assert.Equal(t, low.ID, pending[3].ID)
}

func TestUpdate(t *testing.T) {
	repo := newTestRepository(t)

	tr, err := repo.Insert(queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	tr.Status = transfer.StatusFailed
	tr.Error = transfer.ErrNoNetwork
	tr.Retries = 2
	require.NoError(t, repo.Update(tr))

	got, err := repo.GetByID(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, got.Status)
	assert.Equal(t, transfer.ErrNoNetwork, got.Error)
	assert.Equal(t, 2, got.Retries)
}

func TestUpdateProgress(t *testing.T) {
	repo := newTestRepository(t)

	tr, err := repo.Insert(queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateProgress(tr.ID, 512, 2048, transfer.StatusDownloading))

	got, err := repo.GetByID(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(512), got.Downloaded)
	assert.Equal(t, int64(2048), got.Total)
	assert.Equal(t, transfer.StatusDownloading, got.Status)
}

func TestGetByStatusAndGroup(t *testing.T) {
	repo := newTestRepository(t)

	a := queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal)
	a.GroupID = 1
	_, err := repo.Insert(a)
	require.NoError(t, err)

	b := transfer.New("http://host/b.bin", "/data/b.bin")
	b.Status = transfer.StatusPaused
	b.GroupID = 1
	_, err = repo.Insert(b)
	require.NoError(t, err)

	c := queuedTransfer("http://host/c.bin", "/data/c.bin", transfer.PriorityNormal)
	c.GroupID = 2
	_, err = repo.Insert(c)
	require.NoError(t, err)

	queued, err := repo.GetByStatus(transfer.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	group1, err := repo.GetByGroup(1)
	require.NoError(t, err)
	assert.Len(t, group1, 2)
}

func TestDelete(t *testing.T) {
	repo := newTestRepository(t)

	a, err := repo.Insert(queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	b, err := repo.Insert(queuedTransfer("http://host/b.bin", "/data/b.bin", transfer.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(a.ID, b.ID))

	all, err := repo.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClosedRepositoryFailsFast(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.Close())

	_, err := repo.Insert(queuedTransfer("http://host/a.bin", "/data/a.bin", transfer.PriorityNormal))
	assert.ErrorIs(t, err, storage.ErrClosed)

	_, err = repo.GetAll()
	assert.ErrorIs(t, err, storage.ErrClosed)

	_, err = repo.SanitizeOnFirstEntry()
	assert.ErrorIs(t, err, storage.ErrClosed)

	assert.ErrorIs(t, repo.Update(&transfer.Transfer{ID: 1}), storage.ErrClosed)
	assert.ErrorIs(t, repo.Delete(1), storage.ErrClosed)
}
