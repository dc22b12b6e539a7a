package transfer

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankouros/pmesh/internal/catalog"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/transfers"
	"github.com/ankouros/pmesh/internal/wire"
)

type recordingHandler struct {
	mu         sync.Mutex
	lists      map[string][]model.SharedFile
	heartbeats []wire.Heartbeat
	results    []model.SharedFile
}

func (h *recordingHandler) HandleFileList(from string, files []model.SharedFile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lists == nil {
		h.lists = make(map[string][]model.SharedFile)
	}
	h.lists[from] = files
}

func (h *recordingHandler) HandleHeartbeat(_ string, hb wire.Heartbeat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, hb)
}

func (h *recordingHandler) HandleSearch(_ string, req wire.SearchRequest) []model.SharedFile {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.SharedFile
	for _, f := range h.results {
		if f.Matches(req.Query) {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	srv     *Server
	cat     *catalog.Catalog
	tracker *transfers.Tracker
	handler *recordingHandler
	client  *Client
	addr    string
}

func startServer(t *testing.T, opts ServerOptions) *fixture {
	t.Helper()
	f := &fixture{
		cat:     catalog.New(),
		tracker: transfers.NewTracker(nil),
		handler: &recordingHandler{},
	}
	opts.ListenHost = "127.0.0.1"
	opts.Self = "server"
	opts.Files = f.cat
	opts.Handler = f.handler
	opts.Tracker = f.tracker

	srv, err := NewServer(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))
	f.srv = srv
	f.addr = "127.0.0.1:" + strconv.Itoa(srv.Port())
	f.client = &Client{Self: "client", Sealer: opts.Sealer, IOTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return f
}

func share(t *testing.T, cat *catalog.Catalog, name string, data []byte) model.SharedFile {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	f, err := catalog.Describe(p, "server", "", nil, time.Now())
	require.NoError(t, err)
	return cat.Add(f)
}

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func TestFetchLastChunkOfHundredThousandBytes(t *testing.T) {
	fx := startServer(t, ServerOptions{ChunkSize: 32768})
	data := randomData(100000)
	f := share(t, fx.cat, "big.bin", data)

	ch, err := fx.client.FetchChunk(context.Background(), fx.addr, f.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), ch.TotalChunks)
	assert.Equal(t, uint32(32768), ch.ChunkSize)
	assert.Len(t, ch.Data, 1696)
	assert.Equal(t, data[98304:], ch.Data)
	assert.Empty(t, ch.File.AbsolutePath)

	_, err = fx.client.FetchChunk(context.Background(), fx.addr, f.ID, 4)
	assert.Equal(t, wire.CodeBadRequest, RemoteCode(err))
}

func TestStreamReassembles(t *testing.T) {
	fx := startServer(t, ServerOptions{ChunkSize: 1000, ChunkDelay: time.Millisecond})
	data := randomData(4500)
	f := share(t, fx.cat, "s.bin", data)

	var got []byte
	var sizes []int
	err := fx.client.Stream(context.Background(), fx.addr, f.ID, func(c Chunk) error {
		got = append(got, c.Data...)
		sizes = append(sizes, len(c.Data))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, []int{1000, 1000, 1000, 1000, 500}, sizes)

	// the upload leaves the tracker once done
	require.Eventually(t, func() bool { return fx.tracker.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamEmptyFile(t *testing.T) {
	fx := startServer(t, ServerOptions{})
	f := share(t, fx.cat, "empty.txt", nil)

	calls := 0
	err := fx.client.Stream(context.Background(), fx.addr, f.ID, func(c Chunk) error {
		calls++
		assert.Empty(t, c.Data)
		assert.Equal(t, uint32(1), c.TotalChunks)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUnknownFileIsNotFound(t *testing.T) {
	fx := startServer(t, ServerOptions{})

	_, err := fx.client.FetchChunk(context.Background(), fx.addr, "nope", 0)
	require.Error(t, err)
	assert.Equal(t, wire.CodeNotFound, RemoteCode(err))

	err = fx.client.Stream(context.Background(), fx.addr, "nope", func(Chunk) error { return nil })
	assert.Equal(t, wire.CodeNotFound, RemoteCode(err))
	assert.Equal(t, 0, fx.tracker.Len())
}

func TestBusyPastConcurrencyCap(t *testing.T) {
	fx := startServer(t, ServerOptions{ChunkSize: 10, ChunkDelay: 200 * time.Millisecond, MaxConcurrent: 1})
	f := share(t, fx.cat, "slow.bin", randomData(40))

	first := make(chan struct{})
	streamErr := make(chan error, 1)
	go func() {
		var once sync.Once
		streamErr <- fx.client.Stream(context.Background(), fx.addr, f.ID, func(Chunk) error {
			once.Do(func() { close(first) })
			return nil
		})
	}()
	<-first

	_, err := fx.client.FetchChunk(context.Background(), fx.addr, f.ID, 0)
	require.Error(t, err)
	assert.Equal(t, wire.CodeBusy, RemoteCode(err))

	require.NoError(t, <-streamErr)

	// the slot frees once the server finishes the stream
	require.Eventually(t, func() bool {
		_, err := fx.client.FetchChunk(context.Background(), fx.addr, f.ID, 0)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCatalogMessages(t *testing.T) {
	fx := startServer(t, ServerOptions{})
	fx.handler.mu.Lock()
	fx.handler.results = []model.SharedFile{
		{ID: "1", Filename: "sunset.jpg"},
		{ID: "2", Filename: "notes.txt"},
	}
	fx.handler.mu.Unlock()
	ctx := context.Background()

	list := wire.NewFileList("client", []model.SharedFile{{ID: "c_1", Filename: "a.txt"}})
	require.NoError(t, fx.client.Send(ctx, fx.addr, list))

	lvl := uint8(80)
	require.NoError(t, fx.client.Send(ctx, fx.addr, wire.NewHeartbeat("client", &lvl)))

	results, err := fx.client.Search(ctx, fx.addr, "SUNSET", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)

	require.Eventually(t, func() bool {
		fx.handler.mu.Lock()
		defer fx.handler.mu.Unlock()
		return len(fx.handler.lists["client"]) == 1 && len(fx.handler.heartbeats) == 1
	}, time.Second, 5*time.Millisecond)

	fx.handler.mu.Lock()
	defer fx.handler.mu.Unlock()
	assert.Equal(t, uint8(80), *fx.handler.heartbeats[0].BatteryLevel)
}

func TestSealedServerRejectsWrongSecret(t *testing.T) {
	right, err := wire.NewSealer("right")
	require.NoError(t, err)
	wrong, err := wire.NewSealer("wrong")
	require.NoError(t, err)

	fx := startServer(t, ServerOptions{Sealer: right})
	f := share(t, fx.cat, "secret.txt", []byte("hello"))

	ch, err := fx.client.FetchChunk(context.Background(), fx.addr, f.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), ch.Data)

	intruder := &Client{Self: "intruder", Sealer: wrong, IOTimeout: time.Second}
	_, err = intruder.FetchChunk(context.Background(), fx.addr, f.ID, 0)
	assert.Error(t, err)
}
