// Package transfers tracks in-flight uploads and downloads.
package transfers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ankouros/pmesh/internal/model"
)

var (
	ErrTransferActive = errors.New("transfer already active")
	ErrUnknown        = errors.New("unknown transfer")
	ErrNotTerminal    = errors.New("transfer state is not terminal")
)

// Tracker is keyed by (file, peer, direction). Finished transfers are removed.
type Tracker struct {
	clock clock.Clock

	mu        sync.RWMutex
	transfers map[model.TransferKey]*model.FileTransfer
}

func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:     clk,
		transfers: make(map[model.TransferKey]*model.FileTransfer),
	}
}

// Begin registers a new transfer in the Requested state.
func (t *Tracker) Begin(tr model.FileTransfer) (model.FileTransfer, error) {
	now := t.clock.Now()
	key := tr.Key()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.transfers[key]; ok {
		return model.FileTransfer{}, ErrTransferActive
	}
	tr = tr.Clone()
	tr.State = model.StateRequested
	tr.StartedAt = now
	tr.LastActivityAt = now
	tr.TransferredBytes = 0
	tr.ChunksReceived = make(map[uint32]bool)
	t.transfers[key] = &tr
	return tr.Clone(), nil
}

// ChunkDone marks chunk index as moved and counts n bytes the first time it
// is seen. The transfer becomes Active.
func (t *Tracker) ChunkDone(key model.TransferKey, index uint32, n int64) (model.FileTransfer, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[key]
	if !ok {
		return model.FileTransfer{}, ErrUnknown
	}
	if !tr.ChunksReceived[index] {
		tr.ChunksReceived[index] = true
		tr.TransferredBytes += n
	}
	tr.State = model.StateActive
	tr.LastActivityAt = now
	return tr.Clone(), nil
}

// SetTotalChunks records the chunk count once the first chunk reveals it.
func (t *Tracker) SetTotalChunks(key model.TransferKey, total uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.transfers[key]; ok {
		tr.TotalChunks = total
	}
}

// Touch advances last-activity without recording a chunk.
func (t *Tracker) Touch(key model.TransferKey) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.transfers[key]; ok {
		tr.LastActivityAt = now
	}
}

// Finish removes the transfer and returns its final state.
func (t *Tracker) Finish(key model.TransferKey, state model.TransferState, cause error) (model.FileTransfer, error) {
	if !state.Finished() {
		return model.FileTransfer{}, fmt.Errorf("%w: %s", ErrNotTerminal, state)
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[key]
	if !ok {
		return model.FileTransfer{}, ErrUnknown
	}
	delete(t.transfers, key)

	tr.State = state
	tr.LastActivityAt = now
	if cause != nil {
		tr.Err = cause.Error()
	}
	return *tr, nil
}

func (t *Tracker) Get(key model.TransferKey) (model.FileTransfer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tr, ok := t.transfers[key]
	if !ok {
		return model.FileTransfer{}, false
	}
	return tr.Clone(), true
}

// List returns a snapshot ordered by start time.
func (t *Tracker) List() []model.FileTransfer {
	t.mu.RLock()
	out := make([]model.FileTransfer, 0, len(t.transfers))
	for _, tr := range t.transfers {
		out = append(out, tr.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.transfers)
}

// EvictIdle removes transfers idle for longer than ttl and returns them in the
// Abandoned state.
func (t *Tracker) EvictIdle(ttl time.Duration) []model.FileTransfer {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.FileTransfer
	for key, tr := range t.transfers {
		if now.Sub(tr.LastActivityAt) <= ttl {
			continue
		}
		delete(t.transfers, key)
		tr.State = model.StateAbandoned
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}
