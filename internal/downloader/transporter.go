package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/transferd/internal/transfer"
	"github.com/italolelis/transferd/internal/wire"
)

// FetchInfo describes what the remote side actually granted.
type FetchInfo struct {
	// Offset is the byte position the returned stream starts at. A
	// server that ignores resume requests grants offset 0.
	Offset int64
	// Total is the full resource length, -1 when unknown.
	Total int64
	// Hash is the server-declared content hash, empty when not provided.
	Hash string
}

// Transporter performs the byte transfer for one request. Implementations
// are injected at construction; the manager never inspects them.
type Transporter interface {
	Fetch(ctx context.Context, t *transfer.Transfer, offset int64) (io.ReadCloser, FetchInfo, error)
}

// HTTPTransporter fetches over HTTP(S) using Range headers for resume.
type HTTPTransporter struct {
	client *http.Client
}

func NewHTTPTransporter(headerTimeout time.Duration) *HTTPTransporter {
	// No client-level timeout: it would cap the whole body read and kill
	// long downloads. Only the wait for response headers is bounded.
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout

	return &HTTPTransporter{
		client: &http.Client{Transport: t},
	}
}

func (h *HTTPTransporter) Fetch(ctx context.Context, t *transfer.Transfer, offset int64) (io.ReadCloser, FetchInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, FetchInfo{}, fmt.Errorf("failed to build request: %w", err)
	}

	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, FetchInfo{}, &transfer.ConnectivityError{Operation: "http_get", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, FetchInfo{Offset: offset, Total: totalFromLength(offset, resp.ContentLength)}, nil
	case http.StatusOK:
		// Server ignored the range request; the stream restarts at zero.
		return resp.Body, FetchInfo{Offset: 0, Total: resp.ContentLength}, nil
	default:
		resp.Body.Close()

		return nil, FetchInfo{}, &transfer.ProtocolError{
			Operation: "http_get",
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("unexpected http status %d", resp.StatusCode),
		}
	}
}

func totalFromLength(offset, contentLength int64) int64 {
	if contentLength < 0 {
		return -1
	}

	return offset + contentLength
}

// WireTransporter fetches from our own file serving endpoint over the
// custom protocol. URLs look like flt://host:port/resource/id.
type WireTransporter struct {
	authorization string
}

func NewWireTransporter(authorization string) *WireTransporter {
	return &WireTransporter{authorization: authorization}
}

func (w *WireTransporter) Fetch(ctx context.Context, t *transfer.Transfer, offset int64) (io.ReadCloser, FetchInfo, error) {
	address, resourceID, err := splitWireURL(t.URL)
	if err != nil {
		return nil, FetchInfo{}, err
	}

	auth := w.authorization
	if header, ok := t.Headers["Authorization"]; ok {
		auth = header
	}

	client, err := wire.Dial(ctx, address, wire.WithAuthorization(auth))
	if err != nil {
		return nil, FetchInfo{}, &transfer.ConnectivityError{Operation: "wire_dial", Err: err}
	}

	resp, reader, err := client.RequestFile(resourceID, offset, -1)
	if err != nil {
		client.Close()

		var exchErr *wire.ExchangeError
		if errors.As(err, &exchErr) {
			return nil, FetchInfo{}, &transfer.ProtocolError{
				Operation: "file_request",
				Status:    exchErr.Status,
				Err:       err,
			}
		}

		return nil, FetchInfo{}, &transfer.ConnectivityError{Operation: "file_request", Err: err}
	}

	info := FetchInfo{
		Offset: offset,
		Total:  offset + resp.ContentLength,
		Hash:   resp.ContentHash,
	}

	return &wireStream{Reader: reader, client: client}, info, nil
}

func splitWireURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != transfer.WireScheme || u.Host == "" {
		return "", "", &transfer.ProtocolError{
			Operation: "parse_url",
			Err:       fmt.Errorf("not a wire url: %q", raw),
		}
	}

	resourceID := strings.TrimPrefix(u.Path, "/")
	if resourceID == "" {
		return "", "", &transfer.ProtocolError{
			Operation: "parse_url",
			Err:       fmt.Errorf("wire url %q has no resource id", raw),
		}
	}

	return u.Host, resourceID, nil
}

// wireStream closes the whole session when the payload reader is closed.
type wireStream struct {
	io.Reader
	client *wire.Client
}

func (s *wireStream) Close() error {
	return s.client.Close()
}

// SchemeRouter picks a transporter by URL scheme.
type SchemeRouter struct {
	httpTransporter Transporter
	wireTransporter Transporter
}

func NewSchemeRouter(httpT, wireT Transporter) *SchemeRouter {
	return &SchemeRouter{httpTransporter: httpT, wireTransporter: wireT}
}

func (r *SchemeRouter) Fetch(ctx context.Context, t *transfer.Transfer, offset int64) (io.ReadCloser, FetchInfo, error) {
	if t.IsWireURL() {
		return r.wireTransporter.Fetch(ctx, t, offset)
	}

	return r.httpTransporter.Fetch(ctx, t, offset)
}
