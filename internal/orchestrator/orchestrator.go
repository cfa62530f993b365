// Package orchestrator is the management surface over the store, the
// scheduler and the download manager: enqueueing, lifecycle commands by
// id, group or status, queries and listener registration.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/scheduler"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

// Orchestrator ties one store instance to its scheduler, manager and
// event bus. Events never leak across orchestrator instances.
type Orchestrator struct {
	repo    storage.TransferRepository
	manager *downloader.Manager
	sched   *scheduler.Scheduler
	bus     *events.Bus
	logger  *slog.Logger
}

func New(repo storage.TransferRepository, manager *downloader.Manager, sched *scheduler.Scheduler, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		manager: manager,
		sched:   sched,
		bus:     bus,
		logger:  logger,
	}
}

// Close tears down the event bus. The store is closed by its owner.
func (o *Orchestrator) Close() {
	o.bus.Close()
}

// Enqueue inserts a new transfer and queues it for scheduling. The id is
// derived from url+destination when the caller did not assign one.
func (o *Orchestrator) Enqueue(t *transfer.Transfer) (*transfer.Transfer, error) {
	t.Status = transfer.StatusAdded

	inserted, err := o.repo.Insert(t)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue transfer: %w", err)
	}

	o.bus.EmitAdded(inserted)

	inserted.Status = transfer.StatusQueued
	if err := o.repo.Update(inserted); err != nil {
		return nil, fmt.Errorf("failed to queue transfer: %w", err)
	}

	o.bus.EmitQueued(inserted, false)
	o.sched.Wake()

	return inserted, nil
}

// Pause moves a queued or downloading transfer to PAUSED. An active
// execution is interrupted; its cleanup persists the final byte count.
func (o *Orchestrator) Pause(id int64) error {
	t, err := o.repo.GetByID(id)
	if err != nil {
		return err
	}

	if !t.Status.CanTransition(transfer.StatusPaused) {
		return fmt.Errorf("cannot pause transfer %d from status %s", id, t.Status)
	}

	t.Status = transfer.StatusPaused
	if err := o.repo.Update(t); err != nil {
		return err
	}

	o.manager.CancelWith(id, transfer.StatusPaused)
	o.bus.EmitPaused(t)

	return nil
}

// Resume re-queues a paused transfer.
func (o *Orchestrator) Resume(id int64) error {
	t, err := o.repo.GetByID(id)
	if err != nil {
		return err
	}

	if t.Status != transfer.StatusPaused {
		return fmt.Errorf("cannot resume transfer %d from status %s", id, t.Status)
	}

	t.Status = transfer.StatusQueued
	if err := o.repo.Update(t); err != nil {
		return err
	}

	o.bus.EmitResumed(t)
	o.sched.Wake()

	return nil
}

// Cancel moves any non-terminal transfer to CANCELLED and interrupts an
// active execution.
func (o *Orchestrator) Cancel(id int64) error {
	t, err := o.repo.GetByID(id)
	if err != nil {
		return err
	}

	if t.Status.IsTerminal() {
		return fmt.Errorf("cannot cancel transfer %d from status %s", id, t.Status)
	}

	t.Status = transfer.StatusCancelled
	if err := o.repo.Update(t); err != nil {
		return err
	}

	o.manager.CancelWith(id, transfer.StatusCancelled)
	o.bus.EmitCancelled(t)

	return nil
}

// Remove prunes the record but leaves downloaded data on disk.
func (o *Orchestrator) Remove(id int64) error {
	t, err := o.repo.GetByID(id)
	if err != nil {
		return err
	}

	o.manager.CancelWith(id, transfer.StatusRemoved)

	if err := o.repo.Delete(id); err != nil {
		return err
	}

	t.Status = transfer.StatusRemoved
	o.bus.EmitRemoved(t)

	return nil
}

// Delete prunes the record and the downloaded data, partial artifacts
// included.
func (o *Orchestrator) Delete(id int64) error {
	t, err := o.repo.GetByID(id)
	if err != nil {
		return err
	}

	o.manager.CancelWith(id, transfer.StatusDeleted)

	if err := o.repo.Delete(id); err != nil {
		return err
	}

	for _, path := range []string{t.Destination, t.Destination + downloader.PartSuffix} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Error("failed to remove file", "path", path, "err", err)
		}
	}

	t.Status = transfer.StatusDeleted
	o.bus.EmitDeleted(t)

	return nil
}

// PauseGroup applies Pause to every pausable transfer in a group.
func (o *Orchestrator) PauseGroup(groupID int) error {
	return o.eachInGroup(groupID, func(t *transfer.Transfer) error {
		if !t.Status.CanTransition(transfer.StatusPaused) {
			return nil
		}

		return o.Pause(t.ID)
	})
}

// ResumeGroup applies Resume to every paused transfer in a group.
func (o *Orchestrator) ResumeGroup(groupID int) error {
	return o.eachInGroup(groupID, func(t *transfer.Transfer) error {
		if t.Status != transfer.StatusPaused {
			return nil
		}

		return o.Resume(t.ID)
	})
}

// CancelGroup applies Cancel to every non-terminal transfer in a group.
func (o *Orchestrator) CancelGroup(groupID int) error {
	return o.eachInGroup(groupID, func(t *transfer.Transfer) error {
		if t.Status.IsTerminal() {
			return nil
		}

		return o.Cancel(t.ID)
	})
}

// RemoveGroup prunes every record in a group.
func (o *Orchestrator) RemoveGroup(groupID int) error {
	return o.eachInGroup(groupID, func(t *transfer.Transfer) error {
		return o.Remove(t.ID)
	})
}

// DeleteGroup prunes every record and file in a group.
func (o *Orchestrator) DeleteGroup(groupID int) error {
	return o.eachInGroup(groupID, func(t *transfer.Transfer) error {
		return o.Delete(t.ID)
	})
}

// PauseByStatus applies Pause to every pausable transfer currently in
// the given status.
func (o *Orchestrator) PauseByStatus(status transfer.Status) error {
	return o.eachInStatus(status, func(t *transfer.Transfer) error {
		if !t.Status.CanTransition(transfer.StatusPaused) {
			return nil
		}

		return o.Pause(t.ID)
	})
}

// ResumeByStatus applies Resume to every paused transfer currently in
// the given status.
func (o *Orchestrator) ResumeByStatus(status transfer.Status) error {
	return o.eachInStatus(status, func(t *transfer.Transfer) error {
		if t.Status != transfer.StatusPaused {
			return nil
		}

		return o.Resume(t.ID)
	})
}

// CancelByStatus cancels every transfer currently in the given status.
func (o *Orchestrator) CancelByStatus(status transfer.Status) error {
	return o.eachInStatus(status, func(t *transfer.Transfer) error {
		if t.Status.IsTerminal() {
			return nil
		}

		return o.Cancel(t.ID)
	})
}

// RemoveByStatus prunes every record currently in the given status.
func (o *Orchestrator) RemoveByStatus(status transfer.Status) error {
	return o.eachInStatus(status, func(t *transfer.Transfer) error {
		return o.Remove(t.ID)
	})
}

// DeleteByStatus prunes every record and file currently in the given
// status.
func (o *Orchestrator) DeleteByStatus(status transfer.Status) error {
	return o.eachInStatus(status, func(t *transfer.Transfer) error {
		return o.Delete(t.ID)
	})
}

// Get returns one transfer.
func (o *Orchestrator) Get(id int64) (*transfer.Transfer, error) {
	return o.repo.GetByID(id)
}

// GetAll returns every tracked transfer.
func (o *Orchestrator) GetAll() ([]*transfer.Transfer, error) {
	return o.repo.GetAll()
}

// GetByStatus returns transfers in one status.
func (o *Orchestrator) GetByStatus(status transfer.Status) ([]*transfer.Transfer, error) {
	return o.repo.GetByStatus(status)
}

// GetByGroup returns transfers in one group.
func (o *Orchestrator) GetByGroup(groupID int) ([]*transfer.Transfer, error) {
	return o.repo.GetByGroup(groupID)
}

// SetGlobalNetworkType installs the operator network override.
func (o *Orchestrator) SetGlobalNetworkType(nt transfer.NetworkType) {
	o.sched.SetGlobalNetworkType(nt)
}

// GlobalNetworkType returns the operator network override.
func (o *Orchestrator) GlobalNetworkType() transfer.NetworkType {
	return o.sched.GlobalNetworkType()
}

// ConcurrencyLimit returns the configured download slot count.
func (o *Orchestrator) ConcurrencyLimit() int {
	return o.manager.Limit()
}

// SetConcurrencyLimit changes the download slot count; zero disables
// auto-start for fully manual control.
func (o *Orchestrator) SetConcurrencyLimit(limit int) {
	o.manager.SetLimit(limit)
	o.sched.Wake()
}

// Listen registers a lifecycle listener and returns its handle.
func (o *Orchestrator) Listen(l events.Listener) int {
	return o.bus.Subscribe(l)
}

// Unlisten removes a listener by handle.
func (o *Orchestrator) Unlisten(handle int) {
	o.bus.Unsubscribe(handle)
}

func (o *Orchestrator) eachInGroup(groupID int, fn func(t *transfer.Transfer) error) error {
	ts, err := o.repo.GetByGroup(groupID)
	if err != nil {
		return err
	}

	return eachTransfer(ts, fn)
}

func (o *Orchestrator) eachInStatus(status transfer.Status, fn func(t *transfer.Transfer) error) error {
	ts, err := o.repo.GetByStatus(status)
	if err != nil {
		return err
	}

	return eachTransfer(ts, fn)
}

func eachTransfer(ts []*transfer.Transfer, fn func(t *transfer.Transfer) error) error {
	for _, t := range ts {
		if err := fn(t); err != nil {
			return err
		}
	}

	return nil
}
