// Package transfer moves files and catalog messages between peers over TCP.
// Every connection carries one request and its response.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ankouros/pmesh/internal/chunk"
	"github.com/ankouros/pmesh/internal/logger"
	"github.com/ankouros/pmesh/internal/metrics"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/transfers"
	"github.com/ankouros/pmesh/internal/wire"
)

var log = logger.Logger("transfer")

const (
	DefaultPort          = 8090
	DefaultIOTimeout     = 30 * time.Second
	DefaultChunkDelay    = 10 * time.Millisecond
	DefaultMaxConcurrent = 4
)

// FileSource resolves locally shared files by id.
type FileSource interface {
	Get(id string) (model.SharedFile, bool)
}

// Handler receives the catalog and liveness messages a server accepts.
type Handler interface {
	HandleFileList(from string, files []model.SharedFile)
	HandleHeartbeat(from string, hb wire.Heartbeat)
	HandleSearch(from string, req wire.SearchRequest) []model.SharedFile
}

type ServerOptions struct {
	ListenHost string
	// Port 0 binds an ephemeral port.
	Port int

	Self    string
	Files   FileSource
	Handler Handler
	Sealer  *wire.Sealer

	ChunkSize     int
	ChunkDelay    time.Duration
	MaxConcurrent int
	IOTimeout     time.Duration

	// Tracker, when set, records full-file uploads.
	Tracker    *transfers.Tracker
	OnFinished func(model.FileTransfer)
	Metrics    *metrics.Metrics
}

type Server struct {
	opts ServerOptions
	ln   net.Listener
	sem  *semaphore.Weighted
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Files == nil {
		return nil, errors.New("transfer: missing file source")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	return &Server{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}, nil
}

// Listen binds the TCP listener. It must be called before Serve.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	addr := net.JoinHostPort(s.opts.ListenHost, strconv.Itoa(s.opts.Port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transfer listen %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Port is the bound port, 0 before Listen.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close releases the listener of a server that is not serving.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Serve accepts connections until ctx is cancelled. Handlers already running
// finish on their own, bounded by the I/O timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("transfer: Serve before Listen")
	}

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	var catcher tec.TempErrCatcher
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if catcher.IsTemporary(err) {
				log.Debug("accept", "err", err)
				continue
			}
			return fmt.Errorf("transfer accept: %w", err)
		}
		catcher.Reset()
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(s.opts.IOTimeout))

	codec := wire.NewCodec(conn, s.opts.Sealer)
	msg, err := codec.Decode()
	if err != nil {
		log.Debug("read request", "remote", remote, "err", err)
		if errors.Is(err, wire.ErrInvalidMessage) {
			s.reply(codec, wire.CodeBadRequest, err.Error())
		}
		return
	}

	switch msg.Type {
	case wire.TypeFileRequest:
		s.serveFile(ctx, conn, codec, msg.From, *msg.FileRequest)
	case wire.TypeFileList:
		if s.opts.Handler != nil {
			s.opts.Handler.HandleFileList(msg.From, msg.FileList.Files)
		}
	case wire.TypeHeartbeat:
		if s.opts.Handler != nil {
			s.opts.Handler.HandleHeartbeat(msg.From, *msg.Heartbeat)
		}
	case wire.TypeSearchRequest:
		var results []model.SharedFile
		if s.opts.Handler != nil {
			results = s.opts.Handler.HandleSearch(msg.From, *msg.SearchRequest)
		}
		resp := wire.NewSearchResponse(s.opts.Self, msg.SearchRequest.Query, results)
		if err := codec.Encode(&resp); err != nil {
			log.Debug("search response", "remote", remote, "err", err)
		}
	default:
		s.reply(codec, wire.CodeBadRequest, fmt.Sprintf("unexpected %s", msg.Type))
	}
}

func (s *Server) reply(codec *wire.Codec, code, text string) {
	m := wire.NewError(s.opts.Self, code, text)
	if err := codec.Encode(&m); err != nil {
		log.Debug("error reply", "code", code, "err", err)
	}
}

func (s *Server) serveFile(ctx context.Context, conn net.Conn, codec *wire.Codec, from string, req wire.FileRequest) {
	if !s.sem.TryAcquire(1) {
		s.opts.Metrics.Busy()
		s.reply(codec, wire.CodeBusy, "too many concurrent transfers")
		return
	}
	defer s.sem.Release(1)

	f, ok := s.opts.Files.Get(req.FileID)
	if !ok {
		s.reply(codec, wire.CodeNotFound, req.FileID)
		return
	}

	r, err := chunk.Open(f.AbsolutePath, f.SizeBytes, s.opts.ChunkSize)
	if err != nil {
		log.Warn("open shared file", "file", f.ID, "err", err)
		s.reply(codec, wire.CodeInternal, "file unavailable")
		return
	}
	defer r.Close()

	if req.ChunkIndex != nil {
		if *req.ChunkIndex >= r.Count() {
			s.reply(codec, wire.CodeBadRequest, fmt.Sprintf("chunk %d of %d", *req.ChunkIndex, r.Count()))
			return
		}
		if _, err := s.sendChunk(codec, r, f, *req.ChunkIndex); err != nil {
			log.Debug("send chunk", "file", f.ID, "chunk", *req.ChunkIndex, "err", err)
		}
		return
	}

	key, tracked := s.beginUpload(f, from, r.Count())
	err = s.stream(ctx, conn, codec, r, f, key, tracked)
	if err != nil {
		log.Debug("stream", "file", f.ID, "peer", from, "err", err)
	}
	if tracked {
		state := model.StateCompleted
		if err != nil {
			state = model.StateFailed
		}
		s.finishUpload(key, state, err)
	}
}

func (s *Server) stream(ctx context.Context, conn net.Conn, codec *wire.Codec, r *chunk.Reader, f model.SharedFile, key model.TransferKey, tracked bool) error {
	limit := rate.Inf
	if s.opts.ChunkDelay > 0 {
		limit = rate.Every(s.opts.ChunkDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for i := uint32(0); i < r.Count(); i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		_ = conn.SetDeadline(time.Now().Add(s.opts.IOTimeout))
		n, err := s.sendChunk(codec, r, f, i)
		if err != nil {
			return err
		}
		if tracked {
			_, _ = s.opts.Tracker.ChunkDone(key, i, int64(n))
		}
	}
	return nil
}

func (s *Server) sendChunk(codec *wire.Codec, r *chunk.Reader, f model.SharedFile, index uint32) (int, error) {
	data, err := r.Chunk(index)
	if err != nil {
		return 0, err
	}
	payload, enc := chunk.Encode(data)
	m := wire.NewFileShare(s.opts.Self, wire.FileShare{
		File:        f,
		ChunkData:   payload,
		ChunkIndex:  index,
		TotalChunks: r.Count(),
		ChunkSize:   uint32(s.opts.ChunkSize),
		Encoding:    enc,
		Checksum:    chunk.Checksum(data),
	})
	if err := codec.Encode(&m); err != nil {
		return 0, err
	}
	s.opts.Metrics.ChunkSent(len(data))
	return len(data), nil
}

func (s *Server) beginUpload(f model.SharedFile, peerID string, total uint32) (model.TransferKey, bool) {
	if s.opts.Tracker == nil {
		return model.TransferKey{}, false
	}
	tr, err := s.opts.Tracker.Begin(model.FileTransfer{
		FileID:      f.ID,
		PeerID:      peerID,
		Filename:    f.Filename,
		TotalSize:   f.SizeBytes,
		TotalChunks: total,
		Direction:   model.DirectionUpload,
		Path:        f.AbsolutePath,
	})
	if err != nil {
		log.Debug("upload not tracked", "file", f.ID, "peer", peerID, "err", err)
		return model.TransferKey{}, false
	}
	return tr.Key(), true
}

func (s *Server) finishUpload(key model.TransferKey, state model.TransferState, cause error) {
	tr, err := s.opts.Tracker.Finish(key, state, cause)
	if err != nil {
		// already evicted as abandoned
		return
	}
	s.opts.Metrics.TransferFinished(string(tr.Direction), string(tr.State))
	if s.opts.OnFinished != nil {
		s.opts.OnFinished(tr)
	}
}
