package sqlite

import (
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

// SanitizeOnFirstEntry repairs crash leftovers across every row. A
// DOWNLOADING row can only exist here because the process died mid
// transfer, so it is resolved to COMPLETED or QUEUED from its byte
// counters. The repair pass runs once per store lifetime; later calls
// just return the current rows (reads self-heal on their own).
func (r *TransferRepository) SanitizeOnFirstEntry() ([]*transfer.Transfer, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil, storage.ErrClosed
	}

	alreadyDone := r.sanitized
	r.sanitized = true
	r.mu.Unlock()

	if alreadyDone {
		return r.GetAll()
	}

	rows, err := r.db.Query(`SELECT ` + transferColumns + ` FROM transfers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		ts      []*transfer.Transfer
		changed []*transfer.Transfer
	)

	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		if r.sanitizeRow(t) {
			changed = append(changed, t)
		}

		ts = append(ts, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		// A persist failure is not fatal: the caller still gets the
		// sanitized in-memory view and the next read retries the fix.
		if err := r.UpdateBatch(changed); err != nil {
			r.logger.Error("failed to persist first-entry sanitize batch", "rows", len(changed), "err", err)
		}
	}

	return ts, nil
}

// sanitizeRow applies the per-row repair rules in place and reports
// whether the row changed. The same rules run on first entry and
// opportunistically on every read, so the pass is idempotent by
// construction.
func (r *TransferRepository) sanitizeRow(t *transfer.Transfer) bool {
	switch t.Status {
	case transfer.StatusDownloading:
		if t.Downloaded > 0 && t.Total > 0 && t.Downloaded >= t.Total {
			t.Status = transfer.StatusCompleted
		} else {
			t.Status = transfer.StatusQueued
		}

		t.Error = transfer.ErrNone

		return true

	case transfer.StatusCompleted:
		// Repairs records written before the total size was known.
		if t.Total < 1 && t.Downloaded > 0 {
			t.Total = t.Downloaded

			return true
		}

	case transfer.StatusQueued, transfer.StatusPaused:
		if t.Downloaded > 0 && r.fileChecks && !r.fileExists(t.Destination) {
			t.Downloaded = 0
			t.Total = -1
			t.Error = transfer.ErrNone

			if r.onReset != nil {
				r.onReset(t)
			}

			return true
		}
	}

	return false
}
