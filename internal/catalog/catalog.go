// Package catalog is the registry of files this device offers to the mesh.
package catalog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/ankouros/pmesh/internal/model"
)

const defaultMimeType = "application/octet-stream"

var ErrNotRegularFile = errors.New("not a regular file")

// Catalog is safe for concurrent use. Hashing happens outside the lock.
type Catalog struct {
	mu    sync.RWMutex
	files map[string]model.SharedFile
}

func New() *Catalog {
	return &Catalog{files: make(map[string]model.SharedFile)}
}

// Add inserts f. Re-adding an existing id keeps the original CreatedAt and
// refreshes the rest. It returns the stored entry.
func (c *Catalog) Add(f model.SharedFile) model.SharedFile {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.files[f.ID]; ok && prev.CreatedAt != 0 {
		f.CreatedAt = prev.CreatedAt
	}
	f = f.Clone()
	c.files[f.ID] = f
	return f.Clone()
}

func (c *Catalog) Get(id string) (model.SharedFile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.files[id]
	if !ok {
		return model.SharedFile{}, false
	}
	return f.Clone(), true
}

// Remove drops id and reports whether it was present.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.files[id]; !ok {
		return false
	}
	delete(c.files, id)
	return true
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// List returns a snapshot ordered by filename.
func (c *Catalog) List() []model.SharedFile {
	return c.Search("", nil)
}

// Search returns entries matching query (filename, description, tags) and
// one of fileTypes.
func (c *Catalog) Search(query string, fileTypes []string) []model.SharedFile {
	c.mu.RLock()
	out := make([]model.SharedFile, 0, len(c.files))
	for _, f := range c.files {
		if f.Matches(query) && f.HasType(fileTypes) {
			out = append(out, f.Clone())
		}
	}
	c.mu.RUnlock()

	SortFiles(out)
	return out
}

// SortFiles orders files by filename, then id.
func SortFiles(files []model.SharedFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Filename != files[j].Filename {
			return files[i].Filename < files[j].Filename
		}
		return files[i].ID < files[j].ID
	})
}

// Describe stats and hashes path and builds the entry owned by deviceID.
// Nothing is registered; callers Add the result.
func Describe(path, deviceID, description string, tags []string, now time.Time) (model.SharedFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.SharedFile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return model.SharedFile{}, err
	}
	if !info.Mode().IsRegular() {
		return model.SharedFile{}, fmt.Errorf("%s: %w", abs, ErrNotRegularFile)
	}

	hash, size, err := HashFile(abs)
	if err != nil {
		return model.SharedFile{}, fmt.Errorf("hash file: %w", err)
	}

	return model.SharedFile{
		ID:            model.FileID(deviceID, hash),
		Filename:      filepath.Base(abs),
		AbsolutePath:  abs,
		SizeBytes:     size,
		ContentHash:   hash,
		MimeType:      MimeType(abs),
		OwnerDeviceID: deviceID,
		CreatedAt:     now.Unix(),
		Description:   strings.TrimSpace(description),
		Tags:          normalizeTags(tags),
	}, nil
}

// HashFile returns the hex SHA-256 of the file and the number of bytes read.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// MimeType guesses from the extension.
func MimeType(path string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return defaultMimeType
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
