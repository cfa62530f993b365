package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/mattn/go-sqlite3"
)

const transferColumns = `id, url, destination, group_id, priority, status, error,
	downloaded, total, network_type, created, retries, max_retries, headers, extras`

// TransferRepository stores transfer records in SQLite. Mutations are
// serialized behind a single writer lock; reads run concurrently and
// persist any sanitize fixes through the same lock.
type TransferRepository struct {
	db     *sql.DB
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	lastCreated int64
	sanitized   bool

	fileChecks bool
	fileExists func(path string) bool
	onReset    func(t *transfer.Transfer)
}

// Option configures a TransferRepository.
type Option func(*TransferRepository)

// WithFileChecks enables the destination-existence check during sanitize.
// onReset is invoked for every row whose byte counters were reset so the
// caller can drop partial artifacts.
func WithFileChecks(exists func(path string) bool, onReset func(t *transfer.Transfer)) Option {
	return func(r *TransferRepository) {
		r.fileChecks = true
		r.fileExists = exists
		r.onReset = onReset
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *TransferRepository) {
		r.logger = logger
	}
}

func NewTransferRepository(db *sql.DB, opts ...Option) *TransferRepository {
	r := &TransferRepository{
		db:     db,
		logger: slog.Default(),
		fileExists: func(path string) bool {
			_, err := os.Stat(path)

			return err == nil
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Insert persists a new transfer. The created timestamp is assigned here
// and is strictly monotonic so FIFO tie-breaks are stable.
func (r *TransferRepository) Insert(t *transfer.Transfer) (*transfer.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, storage.ErrClosed
	}

	if t.ID == 0 {
		t.ID = transfer.HashID(t.URL, t.Destination)
	}

	created := time.Now().UnixMilli()
	if created <= r.lastCreated {
		created = r.lastCreated + 1
	}

	r.lastCreated = created
	t.CreatedAt = created

	headers, extras, err := encodeMaps(t)
	if err != nil {
		return nil, err
	}

	_, err = r.db.Exec(`INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, t.Destination, t.GroupID, int(t.Priority), int(t.Status), int(t.Error),
		t.Downloaded, t.Total, int(t.NetworkType), t.CreatedAt, t.Retries, t.MaxRetries, headers, extras,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateDestination, t.Destination)
		}

		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}

	return t, nil
}

// Update persists the full row for t.
func (r *TransferRepository) Update(t *transfer.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	return r.updateLocked(t)
}

// UpdateBatch persists all rows atomically in one transaction.
func (r *TransferRepository) UpdateBatch(ts []*transfer.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	return r.updateBatchLocked(ts)
}

// UpdateProgress updates byte counters and status for a single row. This
// is the high-frequency path used while a transfer is executing.
func (r *TransferRepository) UpdateProgress(id int64, downloaded, total int64, status transfer.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	_, err := r.db.Exec(`UPDATE transfers SET downloaded = ?, total = ?, status = ? WHERE id = ?`,
		downloaded, total, int(status), id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}

// Delete removes rows by id.
func (r *TransferRepository) Delete(ids ...int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM transfers WHERE id = ?`, id); err != nil {
			tx.Rollback()

			return fmt.Errorf("failed to delete transfer %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// GetAll returns every row, sanitized.
func (r *TransferRepository) GetAll() ([]*transfer.Transfer, error) {
	return r.queryAndSanitize(`SELECT ` + transferColumns + ` FROM transfers`)
}

// GetByID returns one row, sanitized, or storage.ErrNotFound.
func (r *TransferRepository) GetByID(id int64) (*transfer.Transfer, error) {
	ts, err := r.queryAndSanitize(`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(ts) == 0 {
		return nil, storage.ErrNotFound
	}

	return ts[0], nil
}

// GetByStatus returns all rows with the given status, sanitized. Rows
// whose status a sanitize fix moved away from the requested one are
// filtered out of the result.
func (r *TransferRepository) GetByStatus(status transfer.Status) ([]*transfer.Transfer, error) {
	ts, err := r.queryAndSanitize(`SELECT `+transferColumns+` FROM transfers WHERE status = ?`, int(status))
	if err != nil {
		return nil, err
	}

	filtered := ts[:0]

	for _, t := range ts {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}

	return filtered, nil
}

// GetByGroup returns all rows in a group, sanitized.
func (r *TransferRepository) GetByGroup(groupID int) ([]*transfer.Transfer, error) {
	return r.queryAndSanitize(`SELECT `+transferColumns+` FROM transfers WHERE group_id = ?`, groupID)
}

// GetPending returns queued rows ordered by priority descending, then
// creation time ascending. The order is a strict total order: created is
// assigned monotonically at insert.
func (r *TransferRepository) GetPending() ([]*transfer.Transfer, error) {
	return r.queryAndSanitize(`SELECT ` + transferColumns + ` FROM transfers
		WHERE status = ` + fmt.Sprintf("%d", int(transfer.StatusQueued)) + `
		ORDER BY priority DESC, created ASC`)
}

// Close marks the store closed. Every later operation fails fast with
// storage.ErrClosed.
func (r *TransferRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	return r.db.Close()
}

func (r *TransferRepository) updateLocked(t *transfer.Transfer) error {
	headers, extras, err := encodeMaps(t)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`UPDATE transfers SET url = ?, destination = ?, group_id = ?, priority = ?,
		status = ?, error = ?, downloaded = ?, total = ?, network_type = ?, retries = ?,
		max_retries = ?, headers = ?, extras = ? WHERE id = ?`,
		t.URL, t.Destination, t.GroupID, int(t.Priority), int(t.Status), int(t.Error),
		t.Downloaded, t.Total, int(t.NetworkType), t.Retries, t.MaxRetries, headers, extras, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer %d: %w", t.ID, err)
	}

	return nil
}

func (r *TransferRepository) updateBatchLocked(ts []*transfer.Transfer) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch update: %w", err)
	}

	stmt, err := tx.Prepare(`UPDATE transfers SET status = ?, error = ?, downloaded = ?, total = ?,
		retries = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()

		return fmt.Errorf("failed to prepare batch update: %w", err)
	}

	for _, t := range ts {
		if _, err := stmt.Exec(int(t.Status), int(t.Error), t.Downloaded, t.Total, t.Retries, t.ID); err != nil {
			stmt.Close()
			tx.Rollback()

			return fmt.Errorf("failed to batch update transfer %d: %w", t.ID, err)
		}
	}

	stmt.Close()

	return tx.Commit()
}

func (r *TransferRepository) queryAndSanitize(query string, args ...any) ([]*transfer.Transfer, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return nil, storage.ErrClosed
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
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
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}

	if len(changed) > 0 {
		if err := r.UpdateBatch(changed); err != nil {
			r.logger.Error("failed to persist sanitized rows", "rows", len(changed), "err", err)
		}
	}

	return ts, nil
}

func scanTransfer(rows *sql.Rows) (*transfer.Transfer, error) {
	var (
		t                               transfer.Transfer
		priority, status, errKind, netw int
		headers, extras                 string
	)

	err := rows.Scan(&t.ID, &t.URL, &t.Destination, &t.GroupID, &priority, &status, &errKind,
		&t.Downloaded, &t.Total, &netw, &t.CreatedAt, &t.Retries, &t.MaxRetries, &headers, &extras)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}

	t.Priority = transfer.Priority(priority)
	t.Status = transfer.Status(status)
	t.Error = transfer.Error(errKind)
	t.NetworkType = transfer.NetworkType(netw)

	if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers for %d: %w", t.ID, err)
	}

	if err := json.Unmarshal([]byte(extras), &t.Extras); err != nil {
		return nil, fmt.Errorf("failed to decode extras for %d: %w", t.ID, err)
	}

	return &t, nil
}

func encodeMaps(t *transfer.Transfer) (string, string, error) {
	if t.Headers == nil {
		t.Headers = map[string]string{}
	}

	if t.Extras == nil {
		t.Extras = map[string]string{}
	}

	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode headers: %w", err)
	}

	extras, err := json.Marshal(t.Extras)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode extras: %w", err)
	}

	return string(headers), string(extras), nil
}
