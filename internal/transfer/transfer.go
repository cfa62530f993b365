package transfer

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Priority controls scheduling order. Higher values are scheduled first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// NetworkType is the connectivity class a transfer requires before it may run.
type NetworkType int

const (
	// NetworkGlobalOff means no per-transfer requirement is set; the
	// scheduler falls back to the global override or NetworkAll.
	NetworkGlobalOff NetworkType = iota - 1
	// NetworkAll runs on any connection, metered or not.
	NetworkAll
	// NetworkUnmeteredOnly runs only on unmetered connections.
	NetworkUnmeteredOnly
)

func (n NetworkType) String() string {
	switch n {
	case NetworkUnmeteredOnly:
		return "unmetered_only"
	case NetworkGlobalOff:
		return "global_off"
	default:
		return "all"
	}
}

// Status is the persisted lifecycle state of a transfer.
type Status int

const (
	StatusNone Status = iota
	StatusAdded
	StatusQueued
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusCancelled
	StatusFailed
	StatusRemoved
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusQueued:
		return "queued"
	case StatusDownloading:
		return "downloading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	case StatusRemoved:
		return "removed"
	case StatusDeleted:
		return "deleted"
	default:
		return "none"
	}
}

// ParseStatus maps a status name back to its Status value.
func ParseStatus(name string) (Status, error) {
	for s := StatusNone; s <= StatusDeleted; s++ {
		if s.String() == strings.ToLower(name) {
			return s, nil
		}
	}

	return StatusNone, fmt.Errorf("unknown status %q", name)
}

// IsTerminal reports whether no further execution can happen from s.
// A failed transfer with retry budget left is re-queued by the manager
// before it ever rests in StatusFailed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusRemoved, StatusDeleted:
		return true
	}

	return false
}

// CanTransition reports whether the status state machine permits moving
// from s to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}

	switch next {
	case StatusAdded:
		return s == StatusNone
	case StatusQueued:
		// Fresh enqueue, resume from pause, or an auto-retry requeue.
		return s == StatusAdded || s == StatusPaused || s == StatusFailed || s == StatusDownloading
	case StatusDownloading:
		return s == StatusQueued
	case StatusPaused:
		return s == StatusQueued || s == StatusDownloading
	case StatusCompleted:
		return s == StatusDownloading
	case StatusFailed:
		return s == StatusDownloading || s == StatusQueued
	case StatusCancelled:
		return !s.IsTerminal()
	case StatusRemoved, StatusDeleted:
		return true
	}

	return false
}

// WireScheme is the URL scheme served by the file serving endpoint.
const WireScheme = "flt"

// Transfer is the durable unit of download work.
type Transfer struct {
	ID          int64
	URL         string
	Destination string
	GroupID     int
	Priority    Priority
	Status      Status
	Error       Error
	Downloaded  int64
	Total       int64
	NetworkType NetworkType
	CreatedAt   int64
	Retries     int
	MaxRetries  int
	Headers     map[string]string
	Extras      map[string]string
}

// New returns a transfer in its pre-persist state. The id is derived from
// url and destination unless the caller assigns one before insert.
func New(url, destination string) *Transfer {
	return &Transfer{
		ID:          HashID(url, destination),
		URL:         url,
		Destination: destination,
		Priority:    PriorityNormal,
		Status:      StatusNone,
		Error:       ErrNone,
		Total:       -1,
		NetworkType: NetworkGlobalOff,
		Headers:     map[string]string{},
		Extras:      map[string]string{},
	}
}

// HashID derives a stable positive id from the url/destination pair.
func HashID(url, destination string) int64 {
	h := fnv.New32a()
	h.Write([]byte(url))
	h.Write([]byte(":"))
	h.Write([]byte(destination))

	return int64(h.Sum32())
}

// IsWireURL reports whether the transfer targets our own file serving
// endpoint rather than a plain HTTP(S) origin.
func (t *Transfer) IsWireURL() bool {
	return strings.HasPrefix(t.URL, WireScheme+"://")
}

// Progress returns the completion percentage, or -1 while the total
// size is still unknown.
func (t *Transfer) Progress() int {
	if t.Total < 1 {
		return -1
	}

	if t.Downloaded >= t.Total {
		return 100
	}

	return int(t.Downloaded * 100 / t.Total)
}

// Clone returns a deep copy so callers never share map state with the store.
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.Headers = make(map[string]string, len(t.Headers))

	for k, v := range t.Headers {
		c.Headers[k] = v
	}

	c.Extras = make(map[string]string, len(t.Extras))
	for k, v := range t.Extras {
		c.Extras[k] = v
	}

	return &c
}
