// Package downloader bounds transfer concurrency, runs individual
// executions and applies the retry policy when they fail.
package downloader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// Manager starts and cancels transfer executions. Its lock guards only
// the active-set bookkeeping, never the I/O.
type Manager struct {
	repo        storage.TransferRepository
	bus         *events.Bus
	tel         *telemetry.Telemetry
	transporter Transporter
	logger      *slog.Logger

	// retryOnNetworkGain requeues connectivity failures without
	// consuming the retry budget.
	retryOnNetworkGain bool
	// globalMaxRetries overrides every transfer's own budget when >= 0.
	globalMaxRetries int

	// onSlotFreed signals the scheduler that capacity opened up.
	onSlotFreed func()

	mu     sync.Mutex
	limit  int
	active map[int64]*execution
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryOnNetworkGain requeues connectivity failures for free.
func WithRetryOnNetworkGain() ManagerOption {
	return func(m *Manager) {
		m.retryOnNetworkGain = true
	}
}

// WithGlobalMaxRetries overrides per-transfer retry budgets.
func WithGlobalMaxRetries(n int) ManagerOption {
	return func(m *Manager) {
		m.globalMaxRetries = n
	}
}

// WithManagerTelemetry records execution metrics.
func WithManagerTelemetry(tel *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) {
		m.tel = tel
	}
}

// WithManagerLogger overrides the default logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSlotFreedSignal installs the scheduler re-tick hook invoked when a
// finished execution frees a concurrency slot.
func WithSlotFreedSignal(fn func()) ManagerOption {
	return func(m *Manager) {
		m.onSlotFreed = fn
	}
}

func NewManager(repo storage.TransferRepository, bus *events.Bus, transporter Transporter, limit int, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:             repo,
		bus:              bus,
		transporter:      transporter,
		logger:           slog.Default(),
		globalMaxRetries: -1,
		limit:            limit,
		active:           map[int64]*execution{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CanAccommodateNewDownload reports spare capacity. A limit of zero
// disables scheduling entirely; that is the manual/foreground-only mode.
func (m *Manager) CanAccommodateNewDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.limit > 0 && len(m.active) < m.limit
}

// Contains reports whether an execution for id is active.
func (m *Manager) Contains(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[id]

	return ok
}

// ActiveCount returns the number of running executions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// SetLimit changes the concurrency limit. Running executions above a
// lowered limit are not preempted; they finish and are not replaced.
func (m *Manager) SetLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limit = limit
}

// Limit returns the configured concurrency limit.
func (m *Manager) Limit() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.limit
}

// Start begins executing t asynchronously. Starting an id that is
// already active is a no-op: per id, at most one execution exists. The
// status moves to DOWNLOADING and is persisted before the first byte is
// requested.
func (m *Manager) Start(ctx context.Context, t *transfer.Transfer) {
	m.mu.Lock()

	if _, ok := m.active[t.ID]; ok {
		m.mu.Unlock()

		return
	}

	exec := &execution{
		transfer: t.Clone(),
		done:     make(chan struct{}),
	}
	exec.finalStatus.Store(int32(transfer.StatusQueued))
	m.active[t.ID] = exec

	m.mu.Unlock()

	exec.transfer.Status = transfer.StatusDownloading
	if err := m.repo.UpdateProgress(t.ID, t.Downloaded, t.Total, transfer.StatusDownloading); err != nil {
		// Logged and retried by the next sanitize pass; the execution
		// still runs with the in-memory status.
		m.logger.Error("failed to persist downloading status", "transfer_id", t.ID, "err", err)
	}

	m.bus.EmitStarted(exec.transfer)

	go m.run(ctx, exec)
}

// Cancel interrupts an active execution. The executor notices the flag
// at the next chunk boundary and reconciles the final byte count; the
// persisted status stays QUEUED so the transfer reruns later.
func (m *Manager) Cancel(id int64) bool {
	return m.cancelWith(id, transfer.StatusQueued)
}

// CancelWith interrupts an execution and tells the executor which status
// to persist during cleanup (e.g. CANCELLED or PAUSED).
func (m *Manager) CancelWith(id int64, final transfer.Status) bool {
	return m.cancelWith(id, final)
}

// CancelAll interrupts every active execution without waiting.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	execs := make([]*execution, 0, len(m.active))

	for _, exec := range m.active {
		execs = append(execs, exec)
	}
	m.mu.Unlock()

	for _, exec := range execs {
		exec.finalStatus.Store(int32(transfer.StatusQueued))
		exec.interrupted.Store(true)
	}
}

// Wait blocks until every active execution has finished cleanup.
func (m *Manager) Wait() {
	m.mu.Lock()
	execs := make([]*execution, 0, len(m.active))

	for _, exec := range m.active {
		execs = append(execs, exec)
	}
	m.mu.Unlock()

	for _, exec := range execs {
		<-exec.done
	}
}

func (m *Manager) cancelWith(id int64, final transfer.Status) bool {
	m.mu.Lock()
	exec, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		return false
	}

	exec.finalStatus.Store(int32(final))
	exec.interrupted.Store(true)

	return true
}

func (m *Manager) finish(exec *execution) {
	m.mu.Lock()
	delete(m.active, exec.transfer.ID)
	m.mu.Unlock()

	close(exec.done)

	if m.onSlotFreed != nil {
		m.onSlotFreed()
	}
}

// reconcileInterrupted persists the status requested by the
// interrupting caller together with the final byte count.
func (m *Manager) reconcileInterrupted(exec *execution) {
	final := transfer.Status(exec.finalStatus.Load())
	if err := m.repo.UpdateProgress(exec.transfer.ID, exec.transfer.Downloaded, exec.transfer.Total, final); err != nil {
		m.logger.Error("failed to reconcile interrupted transfer", "transfer_id", exec.transfer.ID, "err", err)
	}
}

// onError applies the retry policy. Connectivity failures requeue for
// free when retry-on-network-gain is on; other failures consume the
// retry budget and finally rest in FAILED with their error kind.
func (m *Manager) onError(exec *execution, err error) {
	// The interrupt flag can land after the worker's check; the retry
	// policy must not overwrite the requested final status.
	if exec.interrupted.Load() {
		m.reconcileInterrupted(exec)

		return
	}

	t := exec.transfer
	kind := transfer.Classify(err)

	if kind.IsConnectivity() && m.retryOnNetworkGain {
		t.Status = transfer.StatusQueued
		t.Error = transfer.ErrNone

		m.persist(t)
		m.bus.EmitQueued(t, true)

		return
	}

	maxRetries := t.MaxRetries
	if m.globalMaxRetries >= 0 {
		maxRetries = m.globalMaxRetries
	}

	if t.Retries < maxRetries {
		t.Retries++
		t.Status = transfer.StatusQueued
		t.Error = transfer.ErrNone

		m.persist(t)
		m.bus.EmitQueued(t, true)

		return
	}

	t.Status = transfer.StatusFailed
	t.Error = kind

	m.persist(t)
	m.logger.Error("transfer failed", "transfer_id", t.ID, "error_kind", kind.String(), "err", err)
	m.bus.EmitError(t, kind)
}

func (m *Manager) onComplete(exec *execution) {
	t := exec.transfer
	t.Status = transfer.StatusCompleted
	t.Error = transfer.ErrNone

	m.persist(t)
	m.bus.EmitCompleted(t)
}

func (m *Manager) persist(t *transfer.Transfer) {
	if err := m.repo.Update(t); err != nil {
		m.logger.Error("failed to persist transfer state", "transfer_id", t.ID, "status", t.Status.String(), "err", err)
	}
}

// execution is the per-transfer run state shared between the manager and
// the worker goroutine.
type execution struct {
	transfer    *transfer.Transfer
	interrupted atomic.Bool
	finalStatus atomic.Int32
	done        chan struct{}
}
