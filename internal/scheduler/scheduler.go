// Package scheduler decides which queued transfers may start. It polls
// on a fixed interval instead of tracking wake conditions per source:
// state changes arrive from API calls, network callbacks and transfer
// completions, and a periodic re-evaluation keeps scheduling latency
// bounded by the tick interval without a dependency graph.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/netmon"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

// DefaultTickInterval bounds how stale an admission decision can be.
const DefaultTickInterval = 500 * time.Millisecond

// State is the scheduler lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Scheduler computes the runnable set each tick and feeds the manager
// as much of it as capacity allows. All state transitions happen on the
// single Run loop goroutine or under the state mutex.
type Scheduler struct {
	repo    storage.TransferReadRepository
	manager *downloader.Manager
	monitor netmon.Monitor
	bus     *events.Bus
	logger  *slog.Logger

	tickInterval time.Duration

	mu            sync.Mutex
	state         State
	globalNetwork transfer.NetworkType

	wake chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the poll interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tickInterval = d
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func NewScheduler(repo storage.TransferReadRepository, manager *downloader.Manager, monitor netmon.Monitor, bus *events.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:          repo,
		manager:       manager,
		monitor:       monitor,
		bus:           bus,
		logger:        slog.Default(),
		tickInterval:  DefaultTickInterval,
		state:         StateStopped,
		globalNetwork: transfer.NetworkGlobalOff,
		wake:          make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Start moves to RUNNING and schedules the first tick immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.Wake()
}

// Pause stops admission and cancels in-flight executions. Their
// persisted status stays QUEUED, not CANCELLED, so Resume picks them
// back up.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.state = StatePaused
	s.mu.Unlock()

	s.manager.CancelAll()
}

// Resume re-enters the tick loop from PAUSED.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()

		return
	}

	s.state = StateRunning
	s.mu.Unlock()

	s.Wake()
}

// Stop halts scheduling with the same cancellation semantics as Pause.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.manager.CancelAll()
}

// Wake requests an immediate re-evaluation without waiting for the next
// fixed-interval tick. Safe from any goroutine; the loop owns the state.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetGlobalNetworkType installs the operator override that takes
// precedence over every transfer's own requirement.
// transfer.NetworkGlobalOff clears it.
func (s *Scheduler) SetGlobalNetworkType(nt transfer.NetworkType) {
	s.mu.Lock()
	s.globalNetwork = nt
	s.mu.Unlock()

	s.Wake()
}

// GlobalNetworkType returns the operator override.
func (s *Scheduler) GlobalNetworkType() transfer.NetworkType {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.globalNetwork
}

// Run owns the tick loop until ctx is cancelled. Ticks only execute
// while RUNNING; the timer never outlives the loop.
func (s *Scheduler) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler shutting down")

			return
		case <-s.wake:
		case <-s.monitor.Changes():
		case <-ticker.C:
		}

		if s.State() != StateRunning {
			continue
		}

		s.Tick(ctx)
	}
}

// Tick runs one admission pass: fetch the pending set in priority order
// and start transfers while the manager reports spare capacity.
func (s *Scheduler) Tick(ctx context.Context) {
	pending, err := s.repo.GetPending()
	if err != nil {
		s.logger.Error("failed to fetch pending transfers", "err", err)

		return
	}

	connectivity := s.monitor.Connectivity()
	global := s.GlobalNetworkType()

	// Once one entry of a network class is blocked, later entries of the
	// same class are skipped for this tick without re-notifying.
	blocked := map[transfer.NetworkType]bool{}

	for _, t := range pending {
		if !s.manager.CanAccommodateNewDownload() {
			return
		}

		if s.manager.Contains(t.ID) {
			continue
		}

		requirement := effectiveRequirement(global, t.NetworkType)

		// Transfers against our own file serving endpoint run on the
		// local segment and skip the connectivity gate.
		if !t.IsWireURL() && !connectivity.Satisfies(requirement) {
			if !blocked[requirement] {
				blocked[requirement] = true
				s.bus.EmitWaitingNetwork(t)
			}

			continue
		}

		s.manager.Start(ctx, t)
	}
}

// effectiveRequirement resolves the admission requirement: the operator
// override wins over the transfer's own, and "unset" falls back to ANY.
func effectiveRequirement(global, own transfer.NetworkType) transfer.NetworkType {
	if global != transfer.NetworkGlobalOff {
		return global
	}

	if own == transfer.NetworkGlobalOff {
		return transfer.NetworkAll
	}

	return own
}
