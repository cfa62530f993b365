package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/transferd/internal/telemetry"
)

// Resource is one servable entity on the endpoint.
type Resource interface {
	Length() int64
	Hash() string
	// OpenAt returns a reader positioned at offset bytes into the resource.
	OpenAt(offset int64) (io.ReadCloser, error)
}

// Delegate supplies authorization decisions and the resource catalog.
// The codec treats authorization tokens as opaque.
type Delegate interface {
	Authorize(req *Request) bool
	// Resource returns ErrNoSuchResource for unknown ids.
	Resource(id string) (Resource, error)
	// Catalog returns the serialized resource listing for one page;
	// page or size of -1 means "all".
	Catalog(page, size int) ([]byte, error)
}

// Server accepts inbound connections and serves file bytes, catalogs and
// pings using the wire codec.
type Server struct {
	listener net.Listener
	delegate Delegate
	logger   *slog.Logger
	tel      *telemetry.Telemetry

	allowPersist   bool
	requestTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithoutPersistentConnections closes every connection after one
// exchange regardless of the client's persist_connection flag.
func WithoutPersistentConnections() ServerOption {
	return func(s *Server) {
		s.allowPersist = false
	}
}

// WithRequestTimeout bounds the wait for each inbound request message.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithServerLogger overrides the default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerTelemetry records exchange metrics.
func WithServerTelemetry(tel *telemetry.Telemetry) ServerOption {
	return func(s *Server) {
		s.tel = tel
	}
}

// Listen starts the endpoint on address and begins accepting.
func Listen(address string, delegate Delegate, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", address, err)
	}

	s := &Server{
		listener:       listener,
		delegate:       delegate,
		logger:         slog.Default(),
		allowPersist:   true,
		requestTimeout: DefaultResponseTimeout,
		closed:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})

	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.logger.Error("failed to accept connection", "err", err)

			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "remote", conn.RemoteAddr().String())

	br := bufio.NewReader(conn)
	bw := bufio.NewWriterSize(conn, ChunkSize)

	for {
		var req Request
		if err := ReadMessageWithTimeout(conn, br, s.requestTimeout, &req); err != nil {
			var netErr net.Error
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
				(errors.As(err, &netErr) && netErr.Timeout()) {
				logger.Debug("connection drained", "err", err)

				return
			}

			// The message arrived but did not parse; tell the client
			// before closing.
			s.respond(bw, &Response{
				Status:     StatusBadRequest,
				Connection: ConnectionClose,
				Date:       time.Now().UnixMilli(),
				SessionID:  sessionID,
			}, logger)

			return
		}

		keepOpen := s.handleRequest(bw, &req, sessionID, logger)
		if !keepOpen || !s.allowPersist || !req.PersistConnection {
			return
		}

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// handleRequest serves one exchange and reports whether the connection
// may be reused for another request.
func (s *Server) handleRequest(bw *bufio.Writer, req *Request, sessionID string, logger *slog.Logger) bool {
	resp := &Response{
		Type:       req.Type,
		Connection: ConnectionClose,
		Date:       time.Now().UnixMilli(),
		SessionID:  sessionID,
	}

	if !s.delegate.Authorize(req) {
		resp.Status = StatusUnauthorized
		s.respond(bw, resp, logger)

		return false
	}

	switch req.Type {
	case TypePing:
		resp.Status = StatusOK
		s.respond(bw, resp, logger)

		return true
	case TypeCatalog:
		return s.serveCatalog(bw, req, resp, logger)
	case TypeFile:
		return s.serveFile(bw, req, resp, logger)
	default:
		resp.Status = StatusBadRequest
		s.respond(bw, resp, logger)

		return false
	}
}

func (s *Server) serveCatalog(bw *bufio.Writer, req *Request, resp *Response, logger *slog.Logger) bool {
	payload, err := s.delegate.Catalog(req.Page, req.Size)
	if err != nil {
		logger.Error("failed to build catalog", "err", err)

		resp.Status = StatusInternalError
		s.respond(bw, resp, logger)

		return false
	}

	resp.Status = StatusOK
	resp.Connection = ConnectionOpen
	resp.ContentLength = int64(len(payload))

	if !s.respond(bw, resp, logger) {
		return false
	}

	if _, err := bw.Write(payload); err != nil {
		logger.Error("failed to write catalog payload", "err", err)

		return false
	}

	if err := bw.Flush(); err != nil {
		logger.Error("failed to flush catalog payload", "err", err)

		return false
	}

	if s.tel != nil {
		s.tel.RecordWireBytesServed(int64(len(payload)))
	}

	return true
}

func (s *Server) serveFile(bw *bufio.Writer, req *Request, resp *Response, logger *slog.Logger) bool {
	res, err := s.delegate.Resource(req.ResourceID)
	if err != nil {
		if errors.Is(err, ErrNoSuchResource) {
			resp.Status = StatusNoResource
			s.respond(bw, resp, logger)

			return true
		}

		logger.Error("failed to resolve resource", "err", err)

		resp.Status = StatusInternalError
		s.respond(bw, resp, logger)

		return false
	}

	start, count, err := NormalizeRange(req.RangeStart, req.RangeEnd, res.Length())
	if err != nil {
		resp.Status = StatusBadRequest
		s.respond(bw, resp, logger)

		return false
	}

	reader, err := res.OpenAt(start)
	if err != nil {
		logger.Error("failed to open resource", "err", err)

		resp.Status = StatusInternalError
		s.respond(bw, resp, logger)

		return false
	}
	defer reader.Close()

	resp.Status = StatusPartialContent
	resp.Connection = ConnectionOpen
	resp.ContentLength = count
	resp.ContentHash = res.Hash()

	if !s.respond(bw, resp, logger) {
		return false
	}

	served, err := StreamPayload(bw, reader, count, nil)

	if s.tel != nil {
		s.tel.RecordWireBytesServed(served)
	}

	if err != nil {
		logger.Error("failed to stream resource payload", "served", served, "err", err)

		return false
	}

	return true
}

func (s *Server) respond(bw *bufio.Writer, resp *Response, logger *slog.Logger) bool {
	if s.tel != nil {
		s.tel.RecordWireExchange(typeName(resp.Type), resp.Status)
	}

	if err := WriteMessage(bw, resp); err != nil {
		logger.Error("failed to write response", "err", err)

		return false
	}

	if err := bw.Flush(); err != nil {
		logger.Error("failed to flush response", "err", err)

		return false
	}

	return true
}

func typeName(t int) string {
	switch t {
	case TypeFile:
		return "file"
	case TypeCatalog:
		return "catalog"
	default:
		return "ping"
	}
}
