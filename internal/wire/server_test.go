package wire

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, files map[string][]byte, token string, opts ...ServerOption) *Server {
	t.Helper()

	root := t.TempDir()

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, content, 0644))
	}

	server, err := Listen("127.0.0.1:0", NewDirDelegate(root, token), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	return server
}

func dialTestServer(t *testing.T, server *Server, opts ...ClientOption) *Client {
	t.Helper()

	client, err := Dial(context.Background(), server.Addr().String(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestPing(t *testing.T) {
	server := startTestServer(t, nil, "")
	client := dialTestServer(t, server)

	resp, err := client.Ping()
	require.NoError(t, err)

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, TypePing, resp.Type)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotZero(t, resp.Date)
}

func TestCatalog(t *testing.T) {
	server := startTestServer(t, map[string][]byte{
		"a.bin":        make([]byte, 100),
		"b.bin":        make([]byte, 200),
		"nested/c.bin": make([]byte, 300),
	}, "")
	client := dialTestServer(t, server)

	resp, payload, err := client.Catalog(-1, -1)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, int64(len(payload)), resp.ContentLength)

	var entries []CatalogEntry
	require.NoError(t, json.Unmarshal(payload, &entries))
	require.Len(t, entries, 3)

	byID := map[string]CatalogEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}

	assert.Equal(t, int64(100), byID["a.bin"].Length)
	assert.Equal(t, int64(300), byID["nested/c.bin"].Length)
}

func TestCatalogPagination(t *testing.T) {
	server := startTestServer(t, map[string][]byte{
		"a.bin": {1}, "b.bin": {2}, "c.bin": {3},
	}, "")
	client := dialTestServer(t, server)

	_, payload, err := client.Catalog(0, 2)
	require.NoError(t, err)

	var entries []CatalogEntry
	require.NoError(t, json.Unmarshal(payload, &entries))
	assert.Len(t, entries, 2)

	_, payload, err = client.Catalog(1, 2)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &entries))
	assert.Len(t, entries, 1)

	// A page past the end is empty, not an error.
	_, payload, err = client.Catalog(5, 2)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &entries))
	assert.Empty(t, entries)
}

func TestRequestFile(t *testing.T) {
	content := make([]byte, 900)
	for i := range content {
		content[i] = byte(i % 251)
	}

	server := startTestServer(t, map[string][]byte{"clip.bin": content}, "")
	client := dialTestServer(t, server)

	resp, reader, err := client.RequestFile("clip.bin", 0, -1)
	require.NoError(t, err)

	assert.Equal(t, StatusPartialContent, resp.Status)
	assert.Equal(t, int64(900), resp.ContentLength)

	sum := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.ContentHash)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRequestFileRangeClampedToLength(t *testing.T) {
	content := make([]byte, 900)

	server := startTestServer(t, map[string][]byte{"clip.bin": content}, "")
	client := dialTestServer(t, server)

	// Asking past the end is repaired to the real length, not rejected.
	resp, reader, err := client.RequestFile("clip.bin", 0, 906)
	require.NoError(t, err)
	assert.Equal(t, int64(900), resp.ContentLength)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Len(t, got, 900)
}

func TestRequestFileResume(t *testing.T) {
	content := []byte("0123456789abcdef")

	server := startTestServer(t, map[string][]byte{"clip.bin": content}, "")
	client := dialTestServer(t, server)

	resp, reader, err := client.RequestFile("clip.bin", 10, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.ContentLength)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content[10:], got)
}

func TestRequestFileStartBeyondLength(t *testing.T) {
	server := startTestServer(t, map[string][]byte{"clip.bin": make([]byte, 900)}, "")
	client := dialTestServer(t, server)

	_, _, err := client.RequestFile("clip.bin", 901, -1)

	var exchErr *ExchangeError
	require.ErrorAs(t, err, &exchErr)
	assert.Equal(t, StatusBadRequest, exchErr.Status)
}

func TestRequestFileUnknownResourceKeepsSession(t *testing.T) {
	server := startTestServer(t, map[string][]byte{"clip.bin": {1, 2, 3}}, "")
	client := dialTestServer(t, server)

	_, _, err := client.RequestFile("nope.bin", 0, -1)

	var exchErr *ExchangeError
	require.ErrorAs(t, err, &exchErr)
	assert.Equal(t, StatusNoResource, exchErr.Status)

	// An unknown resource is not fatal; the session stays usable.
	_, err = client.Ping()
	require.NoError(t, err)
}

func TestPathTraversalDenied(t *testing.T) {
	server := startTestServer(t, map[string][]byte{"clip.bin": {1}}, "")
	client := dialTestServer(t, server)

	_, _, err := client.RequestFile("../../../etc/passwd", 0, -1)

	var exchErr *ExchangeError
	require.ErrorAs(t, err, &exchErr)
	assert.Equal(t, StatusNoResource, exchErr.Status)
}

func TestAuthorization(t *testing.T) {
	server := startTestServer(t, map[string][]byte{"clip.bin": {1}}, "secret")

	authorized := dialTestServer(t, server, WithAuthorization("secret"))
	_, err := authorized.Ping()
	require.NoError(t, err)

	denied := dialTestServer(t, server, WithAuthorization("wrong"))
	_, err = denied.Ping()

	var exchErr *ExchangeError
	require.ErrorAs(t, err, &exchErr)
	assert.Equal(t, StatusUnauthorized, exchErr.Status)
}

func TestPersistentConnectionCarriesMultipleExchanges(t *testing.T) {
	content := []byte("hello wire")

	server := startTestServer(t, map[string][]byte{"clip.bin": content}, "")
	client := dialTestServer(t, server)

	first, err := client.Ping()
	require.NoError(t, err)

	resp, reader, err := client.RequestFile("clip.bin", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, resp.SessionID, "one session spans all exchanges")

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, _, err = client.Catalog(-1, -1)
	require.NoError(t, err)
}

func TestWithoutPersistentConnections(t *testing.T) {
	server := startTestServer(t, nil, "", WithoutPersistentConnections())
	client := dialTestServer(t, server)

	_, err := client.Ping()
	require.NoError(t, err)

	// The server hung up after the first exchange.
	_, err = client.Ping()
	require.Error(t, err)
}
