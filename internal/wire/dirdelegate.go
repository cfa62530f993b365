package wire

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CatalogEntry is one row of the serialized catalog listing.
type CatalogEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// DirDelegate serves the files of one directory. The resource id is the
// file name relative to the root; a shared token gates access when set.
type DirDelegate struct {
	root  string
	token string

	hashMu sync.Mutex
	hashes map[string]dirHash
}

type dirHash struct {
	modTime int64
	size    int64
	hash    string
}

func NewDirDelegate(root, token string) *DirDelegate {
	return &DirDelegate{root: root, token: token, hashes: map[string]dirHash{}}
}

// Authorize accepts any request when no token is configured, otherwise
// requires an exact token match.
func (d *DirDelegate) Authorize(req *Request) bool {
	if d.token == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(d.token), []byte(req.Authorization)) == 1
}

// Resource resolves a file under the root. Ids escaping the root resolve
// to ErrNoSuchResource, never to a file outside it.
func (d *DirDelegate) Resource(id string) (Resource, error) {
	if id == "" || id == CatalogResourceID {
		return nil, ErrNoSuchResource
	}

	path := filepath.Join(d.root, filepath.Clean("/"+id))
	if !strings.HasPrefix(path, filepath.Clean(d.root)+string(os.PathSeparator)) {
		return nil, ErrNoSuchResource
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, ErrNoSuchResource
	}

	hash, err := d.fileHash(path, info.ModTime().UnixMilli(), info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to hash %q: %w", id, err)
	}

	return &fileResource{path: path, length: info.Size(), hash: hash}, nil
}

// Catalog lists the files under the root, paginated. Page or size of -1
// returns everything.
func (d *DirDelegate) Catalog(page, size int) ([]byte, error) {
	var entries []CatalogEntry

	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}

		entries = append(entries, CatalogEntry{
			ID:     filepath.ToSlash(rel),
			Name:   info.Name(),
			Length: info.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk catalog root: %w", err)
	}

	if page >= 0 && size >= 0 {
		start := page * size
		if start > len(entries) {
			start = len(entries)
		}

		end := start + size
		if end > len(entries) {
			end = len(entries)
		}

		entries = entries[start:end]
	}

	if entries == nil {
		entries = []CatalogEntry{}
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal catalog: %w", err)
	}

	return payload, nil
}

// fileHash returns the cached md5 for a path, recomputing when the file
// changed since the last request.
func (d *DirDelegate) fileHash(path string, modTime, size int64) (string, error) {
	d.hashMu.Lock()
	cached, ok := d.hashes[path]
	d.hashMu.Unlock()

	if ok && cached.modTime == modTime && cached.size == size {
		return cached.hash, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	hash := hex.EncodeToString(h.Sum(nil))

	d.hashMu.Lock()
	d.hashes[path] = dirHash{modTime: modTime, size: size, hash: hash}
	d.hashMu.Unlock()

	return hash, nil
}

type fileResource struct {
	path   string
	length int64
	hash   string
}

func (r *fileResource) Length() int64 {
	return r.length
}

func (r *fileResource) Hash() string {
	return r.hash
}

func (r *fileResource) OpenAt(offset int64) (io.ReadCloser, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return nil, err
	}

	return f, nil
}
