// Package wire defines the mesh protocol messages and their encodings.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ankouros/pmesh/internal/model"
)

type Type string

const (
	TypeDiscovery      Type = "discovery"
	TypeFileShare      Type = "file_share"
	TypeFileRequest    Type = "file_request"
	TypeFileList       Type = "file_list"
	TypeHeartbeat      Type = "heartbeat"
	TypeSearchRequest  Type = "search_request"
	TypeSearchResponse Type = "search_response"
	TypeError          Type = "error"
)

// Error codes carried by Error messages.
const (
	CodeBusy       = "busy"
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is the envelope of every exchange. Exactly one payload field is set
// and it must agree with Type.
type Message struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	From string `json:"from,omitempty"`

	Discovery      *Discovery      `json:"discovery,omitempty"`
	FileShare      *FileShare      `json:"fileShare,omitempty"`
	FileRequest    *FileRequest    `json:"fileRequest,omitempty"`
	FileList       *FileList       `json:"fileList,omitempty"`
	Heartbeat      *Heartbeat      `json:"heartbeat,omitempty"`
	SearchRequest  *SearchRequest  `json:"searchRequest,omitempty"`
	SearchResponse *SearchResponse `json:"searchResponse,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Discovery announces a device. Replies are never answered.
type Discovery struct {
	Device model.DeviceInfo `json:"device"`
	Reply  bool             `json:"reply,omitempty"`
}

// FileShare carries one chunk. ChunkData is encoded per Encoding; Checksum is
// the BLAKE3 of the decoded chunk.
type FileShare struct {
	File        model.SharedFile `json:"file"`
	ChunkData   []byte           `json:"chunkData,omitempty"`
	ChunkIndex  uint32           `json:"chunkIndex"`
	TotalChunks uint32           `json:"totalChunks"`
	ChunkSize   uint32           `json:"chunkSize"`
	Encoding    string           `json:"encoding,omitempty"`
	Checksum    string           `json:"checksum,omitempty"`
}

// FileRequest asks for one chunk, or for every chunk when ChunkIndex is nil.
type FileRequest struct {
	FileID     string  `json:"fileId"`
	ChunkIndex *uint32 `json:"chunkIndex,omitempty"`
}

type FileList struct {
	Files []model.SharedFile `json:"files"`
}

type Heartbeat struct {
	DeviceID     string `json:"deviceId"`
	BatteryLevel *uint8 `json:"batteryLevel,omitempty"`
}

type SearchRequest struct {
	Query     string   `json:"query"`
	FileTypes []string `json:"fileTypes,omitempty"`
}

type SearchResponse struct {
	Results []model.SharedFile `json:"results"`
	Query   string             `json:"query"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

func newMessage(t Type, from string) Message {
	return Message{ID: uuid.NewString(), Type: t, From: from}
}

func NewDiscovery(from string, device model.DeviceInfo, reply bool) Message {
	m := newMessage(TypeDiscovery, from)
	m.Discovery = &Discovery{Device: device, Reply: reply}
	return m
}

func NewFileShare(from string, fs FileShare) Message {
	m := newMessage(TypeFileShare, from)
	m.FileShare = &fs
	return m
}

// NewFileRequest asks for a single chunk when index is non-nil.
func NewFileRequest(from, fileID string, index *uint32) Message {
	m := newMessage(TypeFileRequest, from)
	m.FileRequest = &FileRequest{FileID: fileID, ChunkIndex: index}
	return m
}

func NewFileList(from string, files []model.SharedFile) Message {
	if files == nil {
		files = []model.SharedFile{}
	}
	m := newMessage(TypeFileList, from)
	m.FileList = &FileList{Files: files}
	return m
}

func NewHeartbeat(from string, battery *uint8) Message {
	m := newMessage(TypeHeartbeat, from)
	m.Heartbeat = &Heartbeat{DeviceID: from, BatteryLevel: battery}
	return m
}

func NewSearchRequest(from, query string, fileTypes []string) Message {
	m := newMessage(TypeSearchRequest, from)
	m.SearchRequest = &SearchRequest{Query: query, FileTypes: fileTypes}
	return m
}

func NewSearchResponse(from, query string, results []model.SharedFile) Message {
	if results == nil {
		results = []model.SharedFile{}
	}
	m := newMessage(TypeSearchResponse, from)
	m.SearchResponse = &SearchResponse{Query: query, Results: results}
	return m
}

func NewError(from, code, msg string) Message {
	m := newMessage(TypeError, from)
	m.Error = &Error{Code: code, Message: msg}
	return m
}

// Validate checks that the payload agrees with Type and that no other payload
// is present.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}

	set := 0
	for _, present := range []bool{
		m.Discovery != nil, m.FileShare != nil, m.FileRequest != nil, m.FileList != nil,
		m.Heartbeat != nil, m.SearchRequest != nil, m.SearchResponse != nil, m.Error != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads", ErrInvalidMessage, set)
	}

	var ok bool
	switch m.Type {
	case TypeDiscovery:
		ok = m.Discovery != nil && m.Discovery.Device.DeviceID != "" &&
			m.Discovery.Device.Port > 0 && m.Discovery.Device.Port <= 65535
	case TypeFileShare:
		ok = m.FileShare != nil && m.FileShare.TotalChunks > 0 && m.FileShare.ChunkIndex < m.FileShare.TotalChunks
	case TypeFileRequest:
		ok = m.FileRequest != nil && m.FileRequest.FileID != ""
	case TypeFileList:
		ok = m.FileList != nil
	case TypeHeartbeat:
		ok = m.Heartbeat != nil && m.Heartbeat.DeviceID != ""
	case TypeSearchRequest:
		ok = m.SearchRequest != nil
	case TypeSearchResponse:
		ok = m.SearchResponse != nil
	case TypeError:
		ok = m.Error != nil && m.Error.Code != ""
	}
	if !ok {
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
