package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransporterFullFetch(t *testing.T) {
	content := []byte("the whole payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Write(content)
	}))
	defer srv.Close()

	tr := transfer.New(srv.URL, "/data/file.bin")

	transporter := NewHTTPTransporter(5 * time.Second)

	reader, info, err := transporter.Fetch(context.Background(), tr, 0)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, int64(0), info.Offset)
	assert.Equal(t, int64(len(content)), info.Total)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHTTPTransporterResume(t *testing.T) {
	content := []byte("0123456789")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rangeHeader, "bytes="))

		offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"), 10, 64)
		require.NoError(t, err)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-int(offset)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer srv.Close()

	tr := transfer.New(srv.URL, "/data/file.bin")

	transporter := NewHTTPTransporter(5 * time.Second)

	reader, info, err := transporter.Fetch(context.Background(), tr, 4)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, int64(4), info.Offset)
	assert.Equal(t, int64(len(content)), info.Total)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content[4:], got)
}

func TestHTTPTransporterIgnoredRangeRestartsAtZero(t *testing.T) {
	content := []byte("no ranges here")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 even though a Range was requested.
		w.Write(content)
	}))
	defer srv.Close()

	tr := transfer.New(srv.URL, "/data/file.bin")

	transporter := NewHTTPTransporter(5 * time.Second)

	reader, info, err := transporter.Fetch(context.Background(), tr, 6)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, int64(0), info.Offset, "a 200 response restarts the transfer")
	assert.Equal(t, int64(len(content)), info.Total)
}

func TestHTTPTransporterSendsCustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := transfer.New(srv.URL, "/data/file.bin")
	tr.Headers["Authorization"] = "Bearer token"

	transporter := NewHTTPTransporter(5 * time.Second)

	reader, _, err := transporter.Fetch(context.Background(), tr, 0)
	require.NoError(t, err)
	reader.Close()
}

func TestHTTPTransporterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := transfer.New(srv.URL, "/data/file.bin")

	transporter := NewHTTPTransporter(5 * time.Second)

	_, _, err := transporter.Fetch(context.Background(), tr, 0)

	var protoErr *transfer.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, http.StatusForbidden, protoErr.Status)
}

func TestSplitWireURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		address    string
		resourceID string
		expectErr  bool
	}{
		{"simple", "flt://localhost:7070/clip.bin", "localhost:7070", "clip.bin", false},
		{"nested resource", "flt://10.0.0.5:7070/movies/clip.bin", "10.0.0.5:7070", "movies/clip.bin", false},
		{"wrong scheme", "http://localhost/clip.bin", "", "", true},
		{"missing resource", "flt://localhost:7070/", "", "", true},
		{"missing host", "flt:///clip.bin", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			address, resourceID, err := splitWireURL(tt.url)
			if tt.expectErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.address, address)
			assert.Equal(t, tt.resourceID, resourceID)
		})
	}
}

func TestSchemeRouter(t *testing.T) {
	httpCalled := false
	wireCalled := false

	router := NewSchemeRouter(
		&stubTransporter{fetchFunc: func(context.Context, *transfer.Transfer, int64) (io.ReadCloser, FetchInfo, error) {
			httpCalled = true

			return io.NopCloser(strings.NewReader("")), FetchInfo{}, nil
		}},
		&stubTransporter{fetchFunc: func(context.Context, *transfer.Transfer, int64) (io.ReadCloser, FetchInfo, error) {
			wireCalled = true

			return io.NopCloser(strings.NewReader("")), FetchInfo{}, nil
		}},
	)

	_, _, err := router.Fetch(context.Background(), transfer.New("https://host/a.bin", "/data/a.bin"), 0)
	require.NoError(t, err)
	assert.True(t, httpCalled)
	assert.False(t, wireCalled)

	_, _, err = router.Fetch(context.Background(), transfer.New("flt://host:7070/a.bin", "/data/a.bin"), 0)
	require.NoError(t, err)
	assert.True(t, wireCalled)
}
