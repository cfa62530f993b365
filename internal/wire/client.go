package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client is one session against a file serving endpoint. A session can
// carry multiple exchanges when the server honors persist_connection.
// Client is not safe for concurrent use.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	clientID      string
	authorization string
	timeout       time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAuthorization sets the opaque token sent on every request.
func WithAuthorization(token string) ClientOption {
	return func(c *Client) {
		c.authorization = token
	}
}

// WithResponseTimeout bounds the wait for each response message.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// Dial connects to a file serving endpoint.
func Dial(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", address, err)
	}

	c := &Client{
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriterSize(conn, ChunkSize),
		clientID: uuid.NewString(),
		timeout:  DefaultResponseTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Close terminates the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping performs a liveness exchange.
func (c *Client) Ping() (*Response, error) {
	req := NewRequest(TypePing, "")

	resp, err := c.exchange(req)
	if err != nil {
		return nil, err
	}

	if resp.Status != StatusOK {
		return resp, &ExchangeError{Operation: "ping", Status: resp.Status}
	}

	return resp, nil
}

// Catalog fetches one page of the server's resource listing. Page or
// size of -1 requests the full catalog.
func (c *Client) Catalog(page, size int) (*Response, []byte, error) {
	req := NewRequest(TypeCatalog, CatalogResourceID)
	req.Page = page
	req.Size = size

	resp, err := c.exchange(req)
	if err != nil {
		return nil, nil, err
	}

	if resp.Status != StatusOK || resp.Connection != ConnectionOpen {
		return resp, nil, &ExchangeError{Operation: "catalog", Status: resp.Status}
	}

	payload := make([]byte, resp.ContentLength)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return resp, nil, fmt.Errorf("failed to read catalog payload: %w", err)
	}

	return resp, payload, nil
}

// RequestFile asks for [rangeStart, rangeEnd) of a resource; rangeEnd of
// -1 means "to end". On a 206 response the returned reader yields exactly
// ContentLength raw bytes; the caller must drain it fully before issuing
// another exchange on this session.
func (c *Client) RequestFile(resourceID string, rangeStart, rangeEnd int64) (*Response, io.Reader, error) {
	req := NewRequest(TypeFile, resourceID)
	req.RangeStart = rangeStart
	req.RangeEnd = rangeEnd

	resp, err := c.exchange(req)
	if err != nil {
		return nil, nil, err
	}

	if resp.Status != StatusPartialContent || resp.Connection != ConnectionOpen {
		return resp, nil, &ExchangeError{Operation: "file_request", Status: resp.Status}
	}

	return resp, io.LimitReader(c.br, resp.ContentLength), nil
}

// exchange sends one request and waits for its response under the
// response timeout. A response that never arrives in time is a transport
// failure, not a protocol violation.
func (c *Client) exchange(req *Request) (*Response, error) {
	req.ClientID = c.clientID
	req.Authorization = c.authorization

	if err := WriteMessage(c.bw, req); err != nil {
		return nil, err
	}

	if err := c.bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush request: %w", err)
	}

	var resp Response
	if err := ReadMessageWithTimeout(c.conn, c.br, c.timeout, &resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &resp, nil
}

// ExchangeError reports a non-success response status.
type ExchangeError struct {
	Operation string
	Status    int
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("wire exchange %s failed with status %d", e.Operation, e.Status)
}
