package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/ankouros/pmesh/internal/chunk"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/transfer"
	"github.com/ankouros/pmesh/internal/wire"
)

// refetchRounds bounds how often missing chunks are requested one by one
// after a broken stream.
const refetchRounds = 3

// RequestFile starts downloading fileID from peerID in the background. The
// file must be in the peer's advertised catalog. Progress is visible through
// ActiveTransfers and the outcome is reported to OnTransferDone observers.
func (m *Manager) RequestFile(ctx context.Context, fileID, peerID string) error {
	if err := m.running(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	peer, ok := m.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	f, ok := peer.AdvertisedFile(fileID)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrFileNotFoundOnPeer, fileID, peerID)
	}

	tr, err := m.tracker.Begin(model.FileTransfer{
		FileID:      f.ID,
		PeerID:      peer.DeviceID,
		Filename:    f.Filename,
		TotalSize:   f.SizeBytes,
		TotalChunks: chunk.Count(f.SizeBytes, m.cfg.ChunkSize),
		Direction:   model.DirectionDownload,
	})
	if err != nil {
		return err
	}
	key := tr.Key()

	started := m.spawn(func(ctx context.Context) {
		path, err := m.download(ctx, peer, f, key)
		if err != nil {
			log.Warn("download failed", "file", f.ID, "peer", peer.DeviceID, "err", err)
			m.finish(key, model.StateFailed, err, "")
			return
		}
		log.Info("download complete", "file", f.ID, "peer", peer.DeviceID, "path", path)
		m.finish(key, model.StateCompleted, nil, path)
	})
	if !started {
		_, _ = m.tracker.Finish(key, model.StateFailed, ErrNotInitialized)
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) finish(key model.TransferKey, state model.TransferState, cause error, path string) {
	tr, err := m.tracker.Finish(key, state, cause)
	if err != nil {
		// evicted as abandoned in the meantime
		return
	}
	tr.Path = path
	m.metrics.TransferFinished(string(tr.Direction), string(tr.State))
	m.notify(tr)
}

// download streams every chunk into a partial file, fetches missing chunks
// individually if the stream breaks, then verifies and commits the file.
func (m *Manager) download(ctx context.Context, peer model.PeerDevice, f model.SharedFile, key model.TransferKey) (path string, err error) {
	addr := peer.TransferAddr()

	var asm *chunk.Assembler
	defer func() {
		if err != nil && asm != nil {
			_ = asm.Abort()
		}
	}()

	store := func(c transfer.Chunk) error {
		if asm == nil {
			a, err := chunk.NewAssembler(m.downloadDir, f.Filename, f.SizeBytes, int(c.ChunkSize))
			if err != nil {
				return err
			}
			if a.Total() != c.TotalChunks {
				_ = a.Abort()
				return fmt.Errorf("peer reports %d chunks, expected %d", c.TotalChunks, a.Total())
			}
			asm = a
			m.tracker.SetTotalChunks(key, c.TotalChunks)
		}
		fresh, err := asm.Put(c.Index, c.Data)
		if err != nil {
			return err
		}
		if fresh {
			_, _ = m.tracker.ChunkDone(key, c.Index, int64(len(c.Data)))
		}
		return nil
	}

	err = m.client.Stream(ctx, addr, f.ID, store)
	for round := 0; err != nil && round < refetchRounds; round++ {
		if ctx.Err() != nil || permanent(err) {
			break
		}
		log.Debug("stream interrupted, fetching missing chunks", "file", f.ID, "peer", peer.DeviceID, "round", round+1, "err", err)
		m.tracker.Touch(key)
		err = m.refetch(ctx, addr, f.ID, &asm, store)
	}
	if err != nil {
		return "", remoteErr(err, peer.DeviceID)
	}
	return asm.Commit(f.ContentHash)
}

func (m *Manager) refetch(ctx context.Context, addr, fileID string, asm **chunk.Assembler, store func(transfer.Chunk) error) error {
	if *asm == nil {
		c, err := m.client.FetchChunk(ctx, addr, fileID, 0)
		if err != nil {
			return err
		}
		if err := store(c); err != nil {
			return err
		}
	}
	for _, idx := range (*asm).Missing() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := m.client.FetchChunk(ctx, addr, fileID, idx)
		if err != nil {
			return err
		}
		if err := store(c); err != nil {
			return err
		}
	}
	return nil
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	switch transfer.RemoteCode(err) {
	case wire.CodeBusy, wire.CodeNotFound, wire.CodeBadRequest:
		return true
	}
	return errors.Is(err, chunk.ErrInvalidName)
}

func remoteErr(err error, peerID string) error {
	switch transfer.RemoteCode(err) {
	case wire.CodeBusy:
		return fmt.Errorf("%w: %s", ErrPeerBusy, peerID)
	case wire.CodeNotFound:
		return fmt.Errorf("%w: %s", ErrFileNotFoundOnPeer, peerID)
	}
	return err
}
