package model

import "time"

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferState follows Requested -> Active -> Completed | Failed | Abandoned.
type TransferState string

const (
	StateRequested TransferState = "requested"
	StateActive    TransferState = "active"
	StateCompleted TransferState = "completed"
	StateFailed    TransferState = "failed"
	StateAbandoned TransferState = "abandoned"
)

// Finished reports whether the state is terminal.
func (s TransferState) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateAbandoned
}

// TransferKey identifies one transfer: a file, the remote peer and a direction.
type TransferKey struct {
	FileID    string
	PeerID    string
	Direction Direction
}

type FileTransfer struct {
	FileID           string          `json:"fileId"`
	PeerID           string          `json:"peerId"`
	Filename         string          `json:"filename"`
	TotalSize        int64           `json:"totalSize"`
	TransferredBytes int64           `json:"transferredBytes"`
	TotalChunks      uint32          `json:"totalChunks"`
	ChunksReceived   map[uint32]bool `json:"chunksReceived,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	LastActivityAt   time.Time       `json:"lastActivityAt"`
	Direction        Direction       `json:"direction"`
	State            TransferState   `json:"state"`
	Err              string          `json:"error,omitempty"`
	Path             string          `json:"path,omitempty"`
}

func (t FileTransfer) Key() TransferKey {
	return TransferKey{FileID: t.FileID, PeerID: t.PeerID, Direction: t.Direction}
}

// Progress is the completed fraction in [0,1].
func (t FileTransfer) Progress() float64 {
	if t.TotalSize <= 0 {
		if t.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(t.TransferredBytes) / float64(t.TotalSize)
}

// Clone returns a deep copy.
func (t FileTransfer) Clone() FileTransfer {
	out := t
	if t.ChunksReceived != nil {
		out.ChunksReceived = make(map[uint32]bool, len(t.ChunksReceived))
		for k, v := range t.ChunksReceived {
			out.ChunksReceived[k] = v
		}
	}
	return out
}
