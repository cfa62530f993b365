package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Error is the persisted error kind on a transfer record.
type Error int

const (
	ErrNone Error = iota
	ErrNoNetwork
	ErrDNSLookup
	ErrConnectionTimeout
	ErrHostUnreachable
	ErrFileNotFound
	ErrNoStorageSpace
	ErrWritePermission
	ErrMalformedMessage
	ErrUnauthorized
	ErrResourceNotFound
	ErrUnknown
)

func (e Error) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrNoNetwork:
		return "no_network"
	case ErrDNSLookup:
		return "dns_lookup"
	case ErrConnectionTimeout:
		return "connection_timeout"
	case ErrHostUnreachable:
		return "host_unreachable"
	case ErrFileNotFound:
		return "file_not_found"
	case ErrNoStorageSpace:
		return "no_storage_space"
	case ErrWritePermission:
		return "write_permission"
	case ErrMalformedMessage:
		return "malformed_message"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrResourceNotFound:
		return "resource_not_found"
	default:
		return "unknown"
	}
}

// IsConnectivity reports whether the error kind is recoverable by waiting
// for the network to come back.
func (e Error) IsConnectivity() bool {
	switch e {
	case ErrNoNetwork, ErrDNSLookup, ErrConnectionTimeout, ErrHostUnreachable:
		return true
	}

	return false
}

// ConnectivityError represents network failures while reaching the remote
// side: no route, DNS failures, dial and read timeouts.
type ConnectivityError struct {
	Operation string // The operation that failed (e.g., "dial", "read_body")
	Err       error  // Underlying error, if any
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error during %s: %v", e.Operation, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ResourceError represents local filesystem failures: missing destination,
// full disk, permission denied.
type ResourceError struct {
	Path   string // The local path that caused the error
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error for '%s': %s", e.Path, e.Reason)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// ProtocolError represents failures reported by the remote endpoint:
// malformed exchanges, authorization rejections, unknown resources.
type ProtocolError struct {
	Operation string // The exchange that failed (e.g., "file_request")
	Status    int    // Wire status code, 0 when not applicable
	Err       error  // Underlying error, if any
}

func (e *ProtocolError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("protocol error during %s (status %d)", e.Operation, e.Status)
	}

	return fmt.Sprintf("protocol error during %s: %v", e.Operation, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Classify maps an execution failure onto the persisted error taxonomy.
// Anything it does not recognize becomes ErrUnknown, never a panic or a
// propagated exception.
func Classify(err error) Error {
	if err == nil {
		return ErrNone
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		switch protoErr.Status {
		case 400:
			return ErrMalformedMessage
		case 403:
			return ErrUnauthorized
		case 204:
			return ErrResourceNotFound
		}

		return ErrMalformedMessage
	}

	var resErr *ResourceError
	if errors.As(err, &resErr) {
		return classifyResource(err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNSLookup
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrConnectionTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionTimeout
	}

	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ErrHostUnreachable
	}

	var connErr *ConnectivityError
	if errors.As(err, &connErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return ErrNoNetwork
	}

	if kind := classifyResource(err); kind != ErrUnknown {
		return kind
	}

	return ErrUnknown
}

func classifyResource(err error) Error {
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist):
		return ErrFileNotFound
	case errors.Is(err, syscall.ENOSPC):
		return ErrNoStorageSpace
	case errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES):
		return ErrWritePermission
	}

	return ErrUnknown
}
