// Package wire implements the custom file-transfer protocol: length
// prefixed JSON control messages over TCP, followed by a raw byte
// payload whose size the control message declares up front.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// TypePing checks endpoint liveness.
	TypePing = 0
	// TypeFile requests a byte range of one resource.
	TypeFile = 1
	// TypeCatalog requests the paginated resource listing.
	TypeCatalog = 2
)

const (
	StatusOK             = 200
	StatusNoResource     = 204
	StatusPartialContent = 206
	StatusBadRequest     = 400
	StatusUnauthorized   = 403
	StatusInternalError  = 500
)

const (
	// ConnectionClose means no payload follows the response.
	ConnectionClose = 0
	// ConnectionOpen means exactly ContentLength raw bytes follow.
	ConnectionOpen = 1
)

const (
	// CatalogResourceID is the reserved id naming the catalog itself.
	CatalogResourceID = "-1"
	// MaxMessageSize bounds one control message; the 2-byte length
	// prefix cannot express more.
	MaxMessageSize = 1<<16 - 1
	// ChunkSize is the buffer size for raw payload streaming. The sender
	// flushes after every chunk to bound memory use.
	ChunkSize = 8 * 1024
	// DefaultResponseTimeout bounds the wait for a response message. A
	// payload stream in progress has no timeout; only interruption
	// stops it.
	DefaultResponseTimeout = 20 * time.Second
)

var (
	// ErrMessageTooLarge indicates a control message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("wire: message exceeds max size")
	// ErrRangeNotSatisfiable indicates a range start beyond the resource length.
	ErrRangeNotSatisfiable = errors.New("wire: range start beyond resource length")
	// ErrNoSuchResource is returned by delegates for unknown resource ids.
	ErrNoSuchResource = errors.New("wire: no such resource")
)

// Request is the client-to-server control message. Unknown fields are
// ignored on decode; field names are part of the compatibility surface.
type Request struct {
	Type              int    `json:"type"`
	ResourceID        string `json:"resource_id"`
	RangeStart        int64  `json:"range_start"`
	RangeEnd          int64  `json:"range_end"`
	Authorization     string `json:"authorization"`
	ClientID          string `json:"client_id"`
	Page              int    `json:"page"`
	Size              int    `json:"size"`
	PersistConnection bool   `json:"persist_connection"`
}

// NewRequest returns a request with the field defaults the protocol
// expects: full range, full catalog, persistent connection.
func NewRequest(msgType int, resourceID string) *Request {
	return &Request{
		Type:              msgType,
		ResourceID:        resourceID,
		RangeStart:        0,
		RangeEnd:          -1,
		Page:              -1,
		Size:              -1,
		PersistConnection: true,
	}
}

// Response is the server-to-client control message.
type Response struct {
	Status        int    `json:"status"`
	Type          int    `json:"type"`
	Connection    int    `json:"connection"`
	Date          int64  `json:"date"`
	ContentLength int64  `json:"content_length"`
	ContentHash   string `json:"content_hash"`
	SessionID     string `json:"session_id"`
}

// WriteMessage writes one length-prefixed JSON control message.
func WriteMessage(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write message payload: %w", err)
	}

	return nil
}

// ReadMessage reads one length-prefixed JSON control message into out.
func ReadMessage(r io.Reader, out any) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("failed to read message length: %w", err)
	}

	length := binary.BigEndian.Uint16(header)

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read message payload: %w", err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	return nil
}

// ReadMessageWithTimeout reads a control message under a read deadline,
// then clears the deadline so a following payload stream is unbounded.
func ReadMessageWithTimeout(conn net.Conn, r io.Reader, timeout time.Duration, out any) error {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	return ReadMessage(r, out)
}

// NormalizeRange clamps a requested range against the resource length and
// returns the effective start offset and byte count. Malformed ranges are
// repaired rather than rejected: a negative start, or one past the
// requested end, resets to 0. Only a start beyond the resource length is
// an error.
func NormalizeRange(start, end, resourceLength int64) (int64, int64, error) {
	if start < 0 || (end >= 0 && start > end) {
		start = 0
	}

	if start > resourceLength {
		return 0, 0, ErrRangeNotSatisfiable
	}

	if end == -1 || end > resourceLength {
		end = resourceLength
	}

	if end < start {
		end = start
	}

	return start, end - start, nil
}

// StreamPayload copies exactly n raw bytes through a fixed-size chunk
// buffer, flushing after every chunk write. interrupted is checked at
// each chunk boundary; an interrupted copy returns the bytes safely
// written so far.
func StreamPayload(dst *bufio.Writer, src io.Reader, n int64, interrupted func() bool) (int64, error) {
	buf := make([]byte, ChunkSize)

	var written int64

	for written < n {
		if interrupted != nil && interrupted() {
			return written, nil
		}

		chunk := int64(len(buf))
		if remaining := n - written; remaining < chunk {
			chunk = remaining
		}

		read, err := io.ReadFull(src, buf[:chunk])
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return written, fmt.Errorf("failed to write payload chunk: %w", werr)
			}

			if werr := dst.Flush(); werr != nil {
				return written, fmt.Errorf("failed to flush payload chunk: %w", werr)
			}

			written += int64(read)
		}

		if err != nil {
			return written, fmt.Errorf("failed to read payload chunk: %w", err)
		}
	}

	return written, nil
}
