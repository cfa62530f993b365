package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/netmon"
	"github.com/italolelis/transferd/internal/scheduler"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTransporter struct{}

func (noopTransporter) Fetch(context.Context, *transfer.Transfer, int64) (io.ReadCloser, downloader.FetchInfo, error) {
	return io.NopCloser(nil), downloader.FetchInfo{}, nil
}

func newOrchestrator(t *testing.T) (*Orchestrator, *events.Bus) {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	repo := sqlite.NewTransferRepository(db)
	t.Cleanup(func() { repo.Close() })

	bus := events.NewBus()
	manager := downloader.NewManager(repo, bus, noopTransporter{}, 2)
	monitor := netmon.NewStaticMonitor(netmon.ConnectivityUnmetered)
	sched := scheduler.NewScheduler(repo, manager, monitor, bus)

	return New(repo, manager, sched, bus, slog.Default()), bus
}

func TestEnqueue(t *testing.T) {
	orch, bus := newOrchestrator(t)

	var (
		added  int
		queued int
	)

	bus.Subscribe(events.Listener{
		OnAdded:  func(*transfer.Transfer) { added++ },
		OnQueued: func(_ *transfer.Transfer, retried bool) { require.False(t, retried); queued++ },
	})

	tr, err := orch.Enqueue(transfer.New("http://host/a.bin", "/data/a.bin"))
	require.NoError(t, err)

	assert.Equal(t, transfer.StatusQueued, tr.Status)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, queued)

	stored, err := orch.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, stored.Status)
}

func TestPauseAndResume(t *testing.T) {
	orch, bus := newOrchestrator(t)

	var paused, resumed int

	bus.Subscribe(events.Listener{
		OnPaused:  func(*transfer.Transfer) { paused++ },
		OnResumed: func(*transfer.Transfer) { resumed++ },
	})

	tr, err := orch.Enqueue(transfer.New("http://host/a.bin", "/data/a.bin"))
	require.NoError(t, err)

	require.NoError(t, orch.Pause(tr.ID))
	assert.Equal(t, 1, paused)

	stored, err := orch.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, stored.Status)

	// Pausing twice is a state machine violation.
	require.Error(t, orch.Pause(tr.ID))

	require.NoError(t, orch.Resume(tr.ID))
	assert.Equal(t, 1, resumed)

	stored, err = orch.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, stored.Status)

	// Resuming a non-paused transfer fails.
	require.Error(t, orch.Resume(tr.ID))
}

func TestCancel(t *testing.T) {
	orch, _ := newOrchestrator(t)

	tr, err := orch.Enqueue(transfer.New("http://host/a.bin", "/data/a.bin"))
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(tr.ID))

	stored, err := orch.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCancelled, stored.Status)

	// Terminal transfers cannot be cancelled again.
	require.Error(t, orch.Cancel(tr.ID))
}

func TestRemoveKeepsFile(t *testing.T) {
	orch, _ := newOrchestrator(t)

	dest := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))

	tr, err := orch.Enqueue(transfer.New("http://host/a.bin", dest))
	require.NoError(t, err)

	require.NoError(t, orch.Remove(tr.ID))

	_, err = orch.Get(tr.ID)
	require.Error(t, err, "the record is gone")

	_, err = os.Stat(dest)
	assert.NoError(t, err, "the file survives a remove")
}

func TestDeleteRemovesFileAndArtifact(t *testing.T) {
	orch, _ := newOrchestrator(t)

	dest := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))
	require.NoError(t, os.WriteFile(dest+downloader.PartSuffix, []byte("partial"), 0644))

	tr, err := orch.Enqueue(transfer.New("http://host/a.bin", dest))
	require.NoError(t, err)

	require.NoError(t, orch.Delete(tr.ID))

	_, err = orch.Get(tr.ID)
	require.Error(t, err)

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "the file is gone after a delete")

	_, err = os.Stat(dest + downloader.PartSuffix)
	assert.True(t, os.IsNotExist(err), "the partial artifact is gone too")
}

func TestGroupOperations(t *testing.T) {
	orch, _ := newOrchestrator(t)

	for i, dest := range []string{"/data/a.bin", "/data/b.bin"} {
		tr := transfer.New("http://host"+dest, dest)
		tr.GroupID = 1
		_, err := orch.Enqueue(tr)
		require.NoError(t, err, i)
	}

	other := transfer.New("http://host/c.bin", "/data/c.bin")
	other.GroupID = 2
	_, err := orch.Enqueue(other)
	require.NoError(t, err)

	require.NoError(t, orch.PauseGroup(1))

	paused, err := orch.GetByStatus(transfer.StatusPaused)
	require.NoError(t, err)
	assert.Len(t, paused, 2)

	stored, err := orch.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, stored.Status, "other groups are untouched")

	require.NoError(t, orch.ResumeGroup(1))

	queued, err := orch.GetByStatus(transfer.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	require.NoError(t, orch.CancelGroup(1))
	require.NoError(t, orch.RemoveGroup(1))

	remaining, err := orch.GetAll()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, other.ID, remaining[0].ID)
}

func TestStatusOperations(t *testing.T) {
	orch, _ := newOrchestrator(t)

	for _, dest := range []string{"/data/a.bin", "/data/b.bin"} {
		_, err := orch.Enqueue(transfer.New("http://host"+dest, dest))
		require.NoError(t, err)
	}

	require.NoError(t, orch.PauseByStatus(transfer.StatusQueued))

	paused, err := orch.GetByStatus(transfer.StatusPaused)
	require.NoError(t, err)
	assert.Len(t, paused, 2)

	require.NoError(t, orch.ResumeByStatus(transfer.StatusPaused))

	queued, err := orch.GetByStatus(transfer.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	require.NoError(t, orch.CancelByStatus(transfer.StatusQueued))

	cancelled, err := orch.GetByStatus(transfer.StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	// Cancelling an already-terminal set is a no-op, not an error.
	require.NoError(t, orch.CancelByStatus(transfer.StatusCancelled))

	require.NoError(t, orch.RemoveByStatus(transfer.StatusCancelled))

	remaining, err := orch.GetAll()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDeleteByStatus(t *testing.T) {
	orch, _ := newOrchestrator(t)

	dest := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))

	_, err := orch.Enqueue(transfer.New("http://host/a.bin", dest))
	require.NoError(t, err)

	require.NoError(t, orch.DeleteByStatus(transfer.StatusQueued))

	remaining, err := orch.GetAll()
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "the file is gone after a delete")
}

func TestSettings(t *testing.T) {
	orch, _ := newOrchestrator(t)

	assert.Equal(t, 2, orch.ConcurrencyLimit())

	orch.SetConcurrencyLimit(7)
	assert.Equal(t, 7, orch.ConcurrencyLimit())

	assert.Equal(t, transfer.NetworkGlobalOff, orch.GlobalNetworkType())

	orch.SetGlobalNetworkType(transfer.NetworkUnmeteredOnly)
	assert.Equal(t, transfer.NetworkUnmeteredOnly, orch.GlobalNetworkType())
}
