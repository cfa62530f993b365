package storage

import (
	"errors"

	"github.com/italolelis/transferd/internal/transfer"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("storage: store is closed")
	// ErrDuplicateDestination is returned when an insert would violate the
	// unique destination constraint.
	ErrDuplicateDestination = errors.New("storage: destination already tracked")
	// ErrNotFound is returned when a transfer id is not in the store.
	ErrNotFound = errors.New("storage: transfer not found")
)

// TransferReadRepository exposes the query side of the store. Reads
// opportunistically repair stale rows before returning them.
type TransferReadRepository interface {
	GetAll() ([]*transfer.Transfer, error)
	GetByID(id int64) (*transfer.Transfer, error)
	GetByStatus(status transfer.Status) ([]*transfer.Transfer, error)
	GetByGroup(groupID int) ([]*transfer.Transfer, error)
	// GetPending returns queued transfers ordered by priority descending,
	// then creation time ascending within each priority band.
	GetPending() ([]*transfer.Transfer, error)
}

// TransferWriteRepository exposes the mutating side of the store.
type TransferWriteRepository interface {
	Insert(t *transfer.Transfer) (*transfer.Transfer, error)
	Update(t *transfer.Transfer) error
	UpdateBatch(ts []*transfer.Transfer) error
	// UpdateProgress is the narrow high-frequency path: byte counters and
	// status only, one row.
	UpdateProgress(id int64, downloaded, total int64, status transfer.Status) error
	Delete(ids ...int64) error
}

// TransferRepository is the full store contract.
type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository

	// SanitizeOnFirstEntry repairs crash leftovers across the whole store.
	// It runs its repair rules at most once per store lifetime and returns
	// the sanitized view of all rows.
	SanitizeOnFirstEntry() ([]*transfer.Transfer, error)
	Close() error
}
