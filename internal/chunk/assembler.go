package chunk

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ankouros/pmesh/internal/catalog"
)

var (
	ErrInvalidName     = errors.New("invalid file name")
	ErrIncomplete      = errors.New("missing chunks")
	ErrContentMismatch = errors.New("content hash mismatch")
)

// Assembler writes received chunks into a temporary file and moves it into
// place once every chunk is present and the content hash matches.
type Assembler struct {
	mu        sync.Mutex
	f         *os.File
	tmpPath   string
	dir       string
	name      string
	size      int64
	chunkSize int
	total     uint32
	received  map[uint32]bool
}

// NewAssembler prepares <dir>/<name>.*.part for a file of size bytes.
func NewAssembler(dir, name string, size int64, chunkSize int) (*Assembler, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, clean+".*.part")
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &Assembler{
		f:         f,
		tmpPath:   f.Name(),
		dir:       dir,
		name:      clean,
		size:      size,
		chunkSize: chunkSize,
		total:     Count(size, chunkSize),
		received:  make(map[uint32]bool),
	}, nil
}

func (a *Assembler) Total() uint32 { return a.total }

// Put stores chunk index. It reports whether the chunk was new.
func (a *Assembler) Put(index uint32, data []byte) (bool, error) {
	off, n, err := Bounds(a.size, a.chunkSize, index)
	if err != nil {
		return false, err
	}
	if len(data) != n {
		return false, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrSizeMismatch, index, len(data), n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.received[index] {
		return false, nil
	}
	if _, err := a.f.WriteAt(data, off); err != nil {
		return false, err
	}
	a.received[index] = true
	return true, nil
}

// Missing lists chunk indexes not yet stored, ascending.
func (a *Assembler) Missing() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []uint32
	for i := uint32(0); i < a.total; i++ {
		if !a.received[i] {
			out = append(out, i)
		}
	}
	return out
}

func (a *Assembler) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.received)) == a.total
}

// Commit verifies the content hash and renames the file into dir. A name
// that is already taken gets a numeric suffix. It returns the final path.
func (a *Assembler) Commit(contentHash string) (string, error) {
	if !a.Done() {
		return "", fmt.Errorf("%w: %d of %d", ErrIncomplete, len(a.Missing()), a.total)
	}
	if err := a.f.Sync(); err != nil {
		return "", err
	}
	if err := a.f.Close(); err != nil {
		return "", err
	}

	hash, _, err := catalog.HashFile(a.tmpPath)
	if err != nil {
		return "", err
	}
	if contentHash != "" && hash != contentHash {
		os.Remove(a.tmpPath)
		return "", ErrContentMismatch
	}

	final, err := claimPath(a.dir, a.name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(a.tmpPath, final); err != nil {
		os.Remove(final)
		return "", err
	}
	return final, nil
}

// Abort discards the partial file.
func (a *Assembler) Abort() error {
	a.f.Close()
	err := os.Remove(a.tmpPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CleanName reduces a remote file name to a safe base name.
func CleanName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" || strings.ContainsAny(n, "\\/\x00") {
		return "", ErrInvalidName
	}
	n = path.Clean(n)
	if n == "." || n == ".." {
		return "", ErrInvalidName
	}
	return n, nil
}

// claimPath creates an empty placeholder under the first free name, so
// concurrent commits never pick the same destination.
func claimPath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		p := filepath.Join(dir, name)
		if i > 0 {
			p = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return p, f.Close()
	}
}
