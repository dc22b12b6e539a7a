package mesh

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankouros/pmesh/internal/catalog"
	"github.com/ankouros/pmesh/internal/config"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/wire"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Insecure = true
	cfg.ListenHost = "127.0.0.1"
	cfg.TransferPort = 0
	cfg.DiscoveryPort = 0
	cfg.BroadcastAddrs = []string{"127.0.0.1:9"}
	cfg.DownloadDir = t.TempDir()
	cfg.ChunkSize = 1000
	cfg.ChunkDelayMs = 0
	cfg.IOTimeoutSec = 5
	return cfg
}

func startManager(t *testing.T, cfg config.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNotInitialized(t *testing.T) {
	m, err := New(testConfig(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.ShareFile(ctx, "x", "", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, m.RequestFile(ctx, "f", "p"), ErrNotInitialized)
	_, err = m.SearchFiles(ctx, "", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.Peers()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.AvailableFiles()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.ActiveTransfers()
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Start(ctx))
	_, err = m.Peers()
	assert.NoError(t, err)
	assert.Error(t, m.Start(ctx))

	require.NoError(t, m.Shutdown(ctx))
	_, err = m.Peers()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, m.Shutdown(ctx))
}

func TestNewRequiresSecretOrInsecure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Insecure = false
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrNoSecret)

	cfg.Secret = "s3cret"
	_, err = New(cfg)
	assert.NoError(t, err)
}

func TestShareFileIsDeterministicAndVisible(t *testing.T) {
	m := startManager(t, testConfig(t))
	ctx := context.Background()
	p := writeFile(t, "Sunset.JPG", []byte("pixels"))

	id, err := m.ShareFile(ctx, p, "evening at the beach", []string{"Holiday"})
	require.NoError(t, err)
	again, err := m.ShareFile(ctx, p, "updated", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	hash, _, err := catalog.HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, m.Identity().DeviceID()+"_"+hash, id)

	files, err := m.AvailableFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, id, files[0].ID)
	assert.Equal(t, "image/jpeg", files[0].MimeType)

	for _, q := range []string{"sunset", "UPDATED", ""} {
		got, err := m.SearchFiles(ctx, q, nil)
		require.NoError(t, err)
		assert.Len(t, got, 1, "query %q", q)
	}
	got, err := m.SearchFiles(ctx, "sunset", []string{"image/"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = m.SearchFiles(ctx, "sunrise", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = m.SearchFiles(ctx, "sunset", []string{"mp3"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShareFileErrors(t *testing.T) {
	m := startManager(t, testConfig(t))
	ctx := context.Background()

	_, err := m.ShareFile(ctx, t.TempDir(), "", nil)
	assert.ErrorIs(t, err, catalog.ErrNotRegularFile)

	_, err = m.ShareFile(ctx, filepath.Join(t.TempDir(), "missing"), "", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	files, err := m.AvailableFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUnshareFile(t *testing.T) {
	m := startManager(t, testConfig(t))
	ctx := context.Background()

	id, err := m.ShareFile(ctx, writeFile(t, "a.txt", []byte("a")), "", nil)
	require.NoError(t, err)
	require.NoError(t, m.UnshareFile(ctx, id))
	assert.ErrorIs(t, m.UnshareFile(ctx, id), ErrNotShared)

	files, err := m.AvailableFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRequestFileUnknownPeerOrFile(t *testing.T) {
	m := startManager(t, testConfig(t))
	ctx := context.Background()

	assert.ErrorIs(t, m.RequestFile(ctx, "f", "ghost"), ErrPeerNotFound)

	m.peers.Upsert(model.DeviceInfo{DeviceID: "peer-1", Port: 1}, "127.0.0.1")
	assert.ErrorIs(t, m.RequestFile(ctx, "peer-1_abc", "peer-1"), ErrFileNotFoundOnPeer)

	active, err := m.ActiveTransfers()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCleanupEvictsStalePeersAndIdleTransfers(t *testing.T) {
	mock := clock.NewMock()
	m := startManager(t, testConfig(t), WithClock(mock))

	var mu sync.Mutex
	var done []model.FileTransfer
	m.OnTransferDone(func(tr model.FileTransfer) {
		mu.Lock()
		done = append(done, tr)
		mu.Unlock()
	})

	m.peers.Upsert(model.DeviceInfo{DeviceID: "old"}, "10.0.0.2")
	_, err := m.tracker.Begin(model.FileTransfer{FileID: "f", PeerID: "old", Direction: model.DirectionDownload})
	require.NoError(t, err)

	mock.Add(299 * time.Second)
	m.cleanup()
	peers, err := m.Peers()
	require.NoError(t, err)
	assert.Len(t, peers, 1)
	assert.Equal(t, 1, m.tracker.Len())

	mock.Add(2 * time.Second)
	m.cleanup()
	assert.Equal(t, 0, m.tracker.Len())
	peers, _ = m.Peers()
	assert.Len(t, peers, 1)

	mock.Add(300 * time.Second)
	m.cleanup()
	peers, _ = m.Peers()
	assert.Empty(t, peers)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.StateAbandoned, done[0].State)
	assert.Equal(t, "f", done[0].FileID)
}

func TestHeartbeatToUnreachablePeerKeepsIt(t *testing.T) {
	m := startManager(t, testConfig(t))
	m.peers.Upsert(model.DeviceInfo{DeviceID: "gone", Port: closedPort(t)}, "127.0.0.1")

	m.sendHeartbeats(context.Background())

	peers, err := m.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "gone", peers[0].DeviceID)
}

func TestRemoteErrMapping(t *testing.T) {
	assert.ErrorIs(t, remoteErr(&wire.Error{Code: wire.CodeBusy}, "p"), ErrPeerBusy)
	assert.ErrorIs(t, remoteErr(&wire.Error{Code: wire.CodeNotFound}, "p"), ErrFileNotFoundOnPeer)
	assert.True(t, permanent(&wire.Error{Code: wire.CodeBusy}))
	assert.False(t, permanent(net.ErrClosed))
}

// connect makes a and b discover each other over loopback.
func connect(t *testing.T, a, b *Manager) {
	t.Helper()
	require.NoError(t, a.discovery.SetTargets([]string{b.discovery.LocalAddr().String()}))
	a.discovery.Announce()

	require.Eventually(t, func() bool {
		_, okA := a.peers.Get(b.Identity().DeviceID())
		_, okB := b.peers.Get(a.Identity().DeviceID())
		return okA && okB
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndDownload(t *testing.T) {
	cfgA := testConfig(t)
	cfgA.DisplayName = "player"
	cfgA.ChunkDelayMs = 20
	a := startManager(t, cfgA)

	cfgB := testConfig(t)
	cfgB.DisplayName = "paint"
	b := startManager(t, cfgB)
	ctx := context.Background()

	data := make([]byte, 4500)
	rand.New(rand.NewSource(7)).Read(data)
	fileID, err := a.ShareFile(ctx, writeFile(t, "report.pdf", data), "quarterly report", []string{"work"})
	require.NoError(t, err)

	connect(t, a, b)
	aID := a.Identity().DeviceID()

	peerA, ok := b.peers.Get(aID)
	require.True(t, ok)
	assert.Equal(t, a.Identity().Port(), peerA.Port)
	assert.Equal(t, "player", peerA.DisplayName)

	require.Eventually(t, func() bool {
		p, _ := b.peers.Get(aID)
		_, ok := p.AdvertisedFile(fileID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	available, err := b.AvailableFiles()
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Empty(t, available[0].AbsolutePath)

	results := make(chan model.FileTransfer, 1)
	b.OnTransferDone(func(tr model.FileTransfer) { results <- tr })

	require.NoError(t, b.RequestFile(ctx, fileID, aID))
	assert.ErrorIs(t, b.RequestFile(ctx, fileID, aID), ErrTransferActive)

	var tr model.FileTransfer
	select {
	case tr = <-results:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
	}
	require.Equal(t, model.StateCompleted, tr.State, tr.Err)
	assert.Equal(t, model.DirectionDownload, tr.Direction)
	assert.Equal(t, int64(4500), tr.TransferredBytes)
	assert.Len(t, tr.ChunksReceived, 5)
	assert.Equal(t, filepath.Join(cfgB.DownloadDir, "report.pdf"), tr.Path)

	got, err := os.ReadFile(tr.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	active, err := b.ActiveTransfers()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRemoteSearchAndHeartbeat(t *testing.T) {
	a := startManager(t, testConfig(t))
	b := startManager(t, testConfig(t))
	ctx := context.Background()

	_, err := a.ShareFile(ctx, writeFile(t, "song.mp3", []byte("la la")), "", []string{"music"})
	require.NoError(t, err)
	connect(t, a, b)

	local, err := b.SearchFiles(ctx, "MUSIC", nil)
	require.NoError(t, err)
	assert.Empty(t, local)

	require.Eventually(t, func() bool {
		return len(b.RemoteSearchResults(" music ")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "song.mp3", b.RemoteSearchResults("music")[0].Filename)
	assert.Empty(t, b.RemoteSearchResults("nothing"))

	before, _ := a.peers.Get(b.Identity().DeviceID())
	time.Sleep(10 * time.Millisecond)
	b.sendHeartbeats(ctx)
	require.Eventually(t, func() bool {
		after, _ := a.peers.Get(b.Identity().DeviceID())
		return after.LastSeen.After(before.LastSeen)
	}, 5*time.Second, 10*time.Millisecond)
}

type app struct{ m *Manager }

func (a app) Mesh() *Manager { return a.m }

func TestSharerFunctions(t *testing.T) {
	m := startManager(t, testConfig(t))
	ctx := context.Background()
	player := app{m}

	id, err := Share(ctx, player, writeFile(t, "track.ogg", []byte("ogg")), "demo", "music", "demo")
	require.NoError(t, err)

	found, err := Search(ctx, player, "demo")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)

	all, err := Browse(player)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, Fetch(ctx, player, id, "nobody"), ErrPeerNotFound)

	_, err = Share(ctx, app{}, "x", "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestPortsAreAdvertised(t *testing.T) {
	m := startManager(t, testConfig(t))
	assert.NotZero(t, m.Identity().Port())
	assert.Equal(t, m.server.Port(), m.Identity().Port())
}
