package mesh

import (
	"context"

	"github.com/ankouros/pmesh/internal/model"
)

// Sharer is implemented by applications that take part in the mesh. The
// functions below give any Sharer the common file-sharing operations.
type Sharer interface {
	Mesh() *Manager
}

// Share publishes path with optional description and tags.
func Share(ctx context.Context, s Sharer, path, description string, tags ...string) (string, error) {
	m := s.Mesh()
	if m == nil {
		return "", ErrNotInitialized
	}
	return m.ShareFile(ctx, path, description, tags)
}

// Fetch downloads a file advertised by peerID.
func Fetch(ctx context.Context, s Sharer, fileID, peerID string) error {
	m := s.Mesh()
	if m == nil {
		return ErrNotInitialized
	}
	return m.RequestFile(ctx, fileID, peerID)
}

// Search looks for files, optionally restricted to extensions or MIME
// prefixes such as "jpg" or "image/".
func Search(ctx context.Context, s Sharer, query string, fileTypes ...string) ([]model.SharedFile, error) {
	m := s.Mesh()
	if m == nil {
		return nil, ErrNotInitialized
	}
	return m.SearchFiles(ctx, query, fileTypes)
}

// Browse lists every file currently reachable on the mesh.
func Browse(s Sharer) ([]model.SharedFile, error) {
	m := s.Mesh()
	if m == nil {
		return nil, ErrNotInitialized
	}
	return m.AvailableFiles()
}
