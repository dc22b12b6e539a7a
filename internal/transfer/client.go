package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ankouros/pmesh/internal/chunk"
	"github.com/ankouros/pmesh/internal/metrics"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/wire"
)

const DefaultDialTimeout = 4 * time.Second

var ErrUnexpectedReply = errors.New("unexpected reply")

// Client opens one short-lived connection per request.
type Client struct {
	Self        string
	Sealer      *wire.Sealer
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Metrics     *metrics.Metrics
}

// Chunk is a decoded and verified FileShare.
type Chunk struct {
	File        model.SharedFile
	Index       uint32
	TotalChunks uint32
	ChunkSize   uint32
	Data        []byte
}

// RemoteCode returns the error code of a peer's Error reply, or "".
func RemoteCode(err error) string {
	var we *wire.Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, *wire.Codec, func(), error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, nil, err
	}
	c.refresh(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	done := func() {
		stop()
		conn.Close()
	}
	return conn, wire.NewCodec(conn, c.Sealer), done, nil
}

func (c *Client) refresh(conn net.Conn) {
	timeout := c.IOTimeout
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
}

// Send delivers a one-way message (FileList, Heartbeat).
func (c *Client) Send(ctx context.Context, addr string, msg wire.Message) error {
	_, codec, done, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer done()
	return codec.Encode(&msg)
}

// Search asks a peer for catalog matches.
func (c *Client) Search(ctx context.Context, addr, query string, fileTypes []string) ([]model.SharedFile, error) {
	_, codec, done, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer done()

	req := wire.NewSearchRequest(c.Self, query, fileTypes)
	if err := codec.Encode(&req); err != nil {
		return nil, err
	}
	resp, err := codec.Decode()
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case wire.TypeSearchResponse:
		return resp.SearchResponse.Results, nil
	case wire.TypeError:
		return nil, resp.Error
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Type)
}

// FetchChunk requests exactly one chunk of fileID.
func (c *Client) FetchChunk(ctx context.Context, addr, fileID string, index uint32) (Chunk, error) {
	_, codec, done, err := c.dial(ctx, addr)
	if err != nil {
		return Chunk{}, err
	}
	defer done()

	req := wire.NewFileRequest(c.Self, fileID, &index)
	if err := codec.Encode(&req); err != nil {
		return Chunk{}, err
	}
	resp, err := codec.Decode()
	if err != nil {
		return Chunk{}, err
	}
	ch, err := c.decode(resp, fileID)
	if err != nil {
		return Chunk{}, err
	}
	if ch.Index != index {
		return Chunk{}, fmt.Errorf("%w: chunk %d instead of %d", ErrUnexpectedReply, ch.Index, index)
	}
	return ch, nil
}

// Stream requests every chunk of fileID and calls fn for each one in order.
// It returns once the last chunk was handled.
func (c *Client) Stream(ctx context.Context, addr, fileID string, fn func(Chunk) error) error {
	conn, codec, done, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer done()

	req := wire.NewFileRequest(c.Self, fileID, nil)
	if err := codec.Encode(&req); err != nil {
		return err
	}
	for {
		resp, err := codec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.refresh(conn)

		ch, err := c.decode(resp, fileID)
		if err != nil {
			return err
		}
		if err := fn(ch); err != nil {
			return err
		}
		if ch.Index+1 >= ch.TotalChunks {
			return nil
		}
	}
}

func (c *Client) decode(resp wire.Message, fileID string) (Chunk, error) {
	switch resp.Type {
	case wire.TypeFileShare:
	case wire.TypeError:
		return Chunk{}, resp.Error
	default:
		return Chunk{}, fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Type)
	}

	fs := resp.FileShare
	if fs.File.ID != fileID {
		return Chunk{}, fmt.Errorf("%w: file %s", ErrUnexpectedReply, fs.File.ID)
	}
	data, err := chunk.Decode(fs.ChunkData, fs.Encoding)
	if err != nil {
		return Chunk{}, err
	}
	if err := chunk.Verify(data, fs.Checksum); err != nil {
		return Chunk{}, fmt.Errorf("chunk %d: %w", fs.ChunkIndex, err)
	}
	c.Metrics.ChunkReceived(len(data))
	return Chunk{
		File:        fs.File,
		Index:       fs.ChunkIndex,
		TotalChunks: fs.TotalChunks,
		ChunkSize:   fs.ChunkSize,
		Data:        data,
	}, nil
}
