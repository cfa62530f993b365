package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(db *sql.DB, tel *telemetry.Telemetry, opts ...Option) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(db, opts...),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) Insert(t *transfer.Transfer) (*transfer.Transfer, error) {
	var result *transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "insert", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.Insert(t)

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) Update(t *transfer.Transfer) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update", func(ctx context.Context) error {
		return r.repo.Update(t)
	})
}

func (r *InstrumentedTransferRepository) UpdateBatch(ts []*transfer.Transfer) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_batch", func(ctx context.Context) error {
		return r.repo.UpdateBatch(ts)
	})
}

func (r *InstrumentedTransferRepository) UpdateProgress(id int64, downloaded, total int64, status transfer.Status) error {
	// Intentionally not traced: this is the per-chunk hot path. A counter
	// is recorded without opening a span.
	r.telemetry.RecordDBOperationFast("update_progress")

	return r.repo.UpdateProgress(id, downloaded, total, status)
}

func (r *InstrumentedTransferRepository) Delete(ids ...int64) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete", func(ctx context.Context) error {
		return r.repo.Delete(ids...)
	})
}

func (r *InstrumentedTransferRepository) GetAll() ([]*transfer.Transfer, error) {
	var result []*transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_all", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.GetAll()

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetByID(id int64) (*transfer.Transfer, error) {
	var result *transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_by_id", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.GetByID(id)

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetByStatus(status transfer.Status) ([]*transfer.Transfer, error) {
	var result []*transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_by_status", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.GetByStatus(status)

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetByGroup(groupID int) ([]*transfer.Transfer, error) {
	var result []*transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_by_group", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.GetByGroup(groupID)

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetPending() ([]*transfer.Transfer, error) {
	var result []*transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_pending", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.GetPending()

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) SanitizeOnFirstEntry() ([]*transfer.Transfer, error) {
	var result []*transfer.Transfer

	err := r.telemetry.InstrumentDBOperation(context.Background(), "sanitize", func(ctx context.Context) error {
		var opErr error
		result, opErr = r.repo.SanitizeOnFirstEntry()

		return opErr
	})

	return result, err
}

func (r *InstrumentedTransferRepository) Close() error {
	return r.repo.Close()
}
