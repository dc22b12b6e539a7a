// Package mesh ties discovery, transfer and the local registries together
// behind the file-sharing API used by applications.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ankouros/pmesh/internal/catalog"
	"github.com/ankouros/pmesh/internal/config"
	"github.com/ankouros/pmesh/internal/discovery"
	"github.com/ankouros/pmesh/internal/identity"
	"github.com/ankouros/pmesh/internal/logger"
	"github.com/ankouros/pmesh/internal/metrics"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/peers"
	"github.com/ankouros/pmesh/internal/transfer"
	"github.com/ankouros/pmesh/internal/transfers"
	"github.com/ankouros/pmesh/internal/wire"
)

var log = logger.Logger("mesh")

var (
	ErrPeerNotFound       = errors.New("peer not found")
	ErrFileNotFoundOnPeer = errors.New("file not found on peer")
	ErrNotInitialized     = errors.New("mesh not running")
	ErrTransferActive     = transfers.ErrTransferActive
	ErrPeerBusy           = errors.New("peer busy")
	ErrNotShared          = errors.New("file not shared")
)

const (
	searchCacheSize = 128
	fanOutLimit     = 8
)

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

type Option func(*Manager)

// WithClock replaces the wall clock used by the registries and loops.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithBattery reports the battery level sent in announcements and
// heartbeats. nil means unknown.
func WithBattery(fn func() *uint8) Option {
	return func(m *Manager) { m.battery = fn }
}

// Manager is one mesh node.
type Manager struct {
	cfg         config.Config
	clock       clock.Clock
	metrics     *metrics.Metrics
	battery     func() *uint8
	sealer      *wire.Sealer
	downloadDir string

	catalog *catalog.Catalog
	peers   *peers.Registry
	tracker *transfers.Tracker

	searchMu sync.Mutex
	searches *lru.Cache[string, []model.SharedFile]

	client    *transfer.Client
	server    *transfer.Server
	discovery *discovery.Service

	obsMu     sync.RWMutex
	observers []func(model.FileTransfer)

	mu     sync.Mutex
	state  lifecycle
	id     identity.Identity
	runCtx context.Context
	cancel context.CancelFunc
	loops  *errgroup.Group
	bg     sync.WaitGroup
}

func New(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.battery == nil {
		m.battery = func() *uint8 { return nil }
	}

	var err error
	if m.sealer, err = wire.NewSealer(cfg.Secret); err != nil {
		return nil, err
	}
	if m.sealer == nil {
		log.Warn("insecure mode: mesh traffic is neither encrypted nor authenticated")
	}

	m.downloadDir = cfg.DownloadDir
	if m.downloadDir == "" {
		if m.downloadDir, err = config.DefaultDownloadDir(); err != nil {
			return nil, err
		}
	}

	if m.searches, err = lru.New[string, []model.SharedFile](searchCacheSize); err != nil {
		return nil, err
	}

	m.id = identity.New(cfg.DisplayName, cfg.DeviceType, cfg.TransferPort, cfg.Capabilities)
	m.catalog = catalog.New()
	m.peers = peers.NewRegistry(m.clock)
	m.tracker = transfers.NewTracker(m.clock)

	m.client = &transfer.Client{
		Self:      m.id.DeviceID(),
		Sealer:    m.sealer,
		IOTimeout: cfg.IOTimeout(),
		Metrics:   m.metrics,
	}

	m.server, err = transfer.NewServer(transfer.ServerOptions{
		ListenHost:    cfg.ListenHost,
		Port:          cfg.TransferPort,
		Self:          m.id.DeviceID(),
		Files:         m.catalog,
		Handler:       handler{m},
		Sealer:        m.sealer,
		ChunkSize:     cfg.ChunkSize,
		ChunkDelay:    cfg.ChunkDelay(),
		MaxConcurrent: cfg.MaxConcurrentTransfers,
		IOTimeout:     cfg.IOTimeout(),
		Tracker:       m.tracker,
		OnFinished:    m.notify,
		Metrics:       m.metrics,
	})
	if err != nil {
		return nil, err
	}

	m.discovery, err = discovery.New(discovery.Options{
		ListenHost: cfg.ListenHost,
		Port:       cfg.DiscoveryPort,
		Targets:    cfg.BroadcastAddrs,
		Interval:   cfg.DiscoveryInterval(),
		Self:       m.selfInfo,
		Peers:      m.peers,
		Sealer:     m.sealer,
		Clock:      m.clock,
		Metrics:    m.metrics,
		OnPeer:     m.onPeer,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// -----------------------------
// Lifecycle
// -----------------------------

// Start binds the sockets and launches the background loops. The loops
// outlive ctx; stop them with Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateNew {
		return errors.New("mesh: already started")
	}
	if err := m.server.Listen(ctx); err != nil {
		return err
	}
	if err := m.discovery.Listen(ctx); err != nil {
		return multierr.Append(err, m.server.Close())
	}
	m.id = m.id.WithPort(m.server.Port())

	m.runCtx, m.cancel = context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(m.runCtx)
	g.Go(func() error { return m.server.Serve(gctx) })
	g.Go(func() error { return m.discovery.Run(gctx) })
	g.Go(func() error { return m.heartbeatLoop(gctx) })
	g.Go(func() error { return m.cleanupLoop(gctx) })
	m.loops = g
	m.state = stateRunning

	log.Info("mesh started",
		"device", m.id.DeviceID(),
		"name", m.id.DisplayName(),
		"transfer", m.server.Port(),
		"discovery", m.discovery.LocalAddr().Port,
	)
	return nil
}

// Shutdown stops every loop and waits for them and for in-flight downloads
// and pushes, or until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state != stateRunning {
		m.state = stateStopped
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopped
	m.cancel()
	loops := m.loops
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := loops.Wait()
		m.bg.Wait()
		done <- err
	}()

	var err error
	select {
	case loopErr := <-done:
		err = multierr.Append(err, loopErr)
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("mesh shutdown: %w", ctx.Err()))
	}
	log.Info("mesh stopped", "device", m.Identity().DeviceID())
	return err
}

func (m *Manager) running() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRunning {
		return ErrNotInitialized
	}
	return nil
}

// spawn runs fn in the background until Shutdown. It is a no-op once the
// manager has stopped.
func (m *Manager) spawn(fn func(ctx context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRunning {
		return false
	}
	ctx := m.runCtx
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn(ctx)
	}()
	return true
}

// -----------------------------
// Identity
// -----------------------------

func (m *Manager) Identity() identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *Manager) selfInfo() model.DeviceInfo {
	return m.Identity().Info(m.battery())
}

// OnTransferDone registers fn to be called whenever a transfer leaves the
// tracker (completed, failed or abandoned).
func (m *Manager) OnTransferDone(fn func(model.FileTransfer)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) notify(tr model.FileTransfer) {
	m.obsMu.RLock()
	obs := append([]func(model.FileTransfer){}, m.observers...)
	m.obsMu.RUnlock()

	for _, fn := range obs {
		fn(tr)
	}
}

// -----------------------------
// Sharing
// -----------------------------

// ShareFile hashes path, publishes it in the local catalog and pushes the
// updated catalog to every known peer. Sharing the same content again
// returns the same id.
func (m *Manager) ShareFile(ctx context.Context, path, description string, tags []string) (string, error) {
	if err := m.running(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := catalog.Describe(path, m.Identity().DeviceID(), description, tags, m.clock.Now())
	if err != nil {
		return "", err
	}
	f = m.catalog.Add(f)
	log.Info("file shared", "file", f.ID, "name", f.Filename, "size", f.SizeBytes)

	m.pushFileList()
	return f.ID, nil
}

// UnshareFile removes a file from the local catalog and pushes the change.
func (m *Manager) UnshareFile(ctx context.Context, fileID string) error {
	if err := m.running(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.catalog.Remove(fileID) {
		return fmt.Errorf("%w: %s", ErrNotShared, fileID)
	}
	log.Info("file unshared", "file", fileID)

	m.pushFileList()
	return nil
}

func (m *Manager) pushFileList() {
	for _, p := range m.peers.List() {
		m.pushFileListTo(p)
	}
}

func (m *Manager) pushFileListTo(p model.PeerDevice) {
	m.spawn(func(ctx context.Context) {
		msg := wire.NewFileList(m.Identity().DeviceID(), m.catalog.List())
		if err := m.client.Send(ctx, p.TransferAddr(), msg); err != nil {
			log.Debug("push file list", "peer", p.DeviceID, "err", err)
		}
	})
}

func (m *Manager) onPeer(p model.PeerDevice) {
	m.pushFileListTo(p)
}

// -----------------------------
// Queries
// -----------------------------

// SearchFiles returns local matches immediately and asks every peer in the
// background. Peer answers are collected under RemoteSearchResults.
func (m *Manager) SearchFiles(ctx context.Context, query string, fileTypes []string) ([]model.SharedFile, error) {
	if err := m.running(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local := m.catalog.Search(query, fileTypes)

	peers := m.peers.List()
	if len(peers) > 0 {
		m.spawn(func(ctx context.Context) {
			m.fanOutSearch(ctx, peers, query, fileTypes)
		})
	}
	return local, nil
}

func (m *Manager) fanOutSearch(ctx context.Context, peers []model.PeerDevice, query string, fileTypes []string) {
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			results, err := m.client.Search(ctx, p.TransferAddr(), query, fileTypes)
			if err != nil {
				log.Debug("remote search", "peer", p.DeviceID, "err", err)
				return nil
			}
			m.mergeSearch(query, results)
			return nil
		})
	}
	_ = g.Wait()
}

func searchKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func (m *Manager) mergeSearch(query string, results []model.SharedFile) {
	key := searchKey(query)

	m.searchMu.Lock()
	defer m.searchMu.Unlock()

	prev, _ := m.searches.Get(key)
	merged := dedupe(prev, results)
	catalog.SortFiles(merged)
	m.searches.Add(key, merged)
}

// RemoteSearchResults returns what peers have answered so far for query.
func (m *Manager) RemoteSearchResults(query string) []model.SharedFile {
	m.searchMu.Lock()
	defer m.searchMu.Unlock()

	files, _ := m.searches.Get(searchKey(query))
	return model.CloneFiles(files)
}

// AvailableFiles is the local catalog plus every file advertised by peers.
func (m *Manager) AvailableFiles() ([]model.SharedFile, error) {
	if err := m.running(); err != nil {
		return nil, err
	}
	out := m.catalog.List()
	for _, p := range m.peers.List() {
		out = dedupe(out, p.AdvertisedFiles)
	}
	catalog.SortFiles(out)
	return out, nil
}

func (m *Manager) Peers() ([]model.PeerDevice, error) {
	if err := m.running(); err != nil {
		return nil, err
	}
	return m.peers.List(), nil
}

func (m *Manager) ActiveTransfers() ([]model.FileTransfer, error) {
	if err := m.running(); err != nil {
		return nil, err
	}
	return m.tracker.List(), nil
}

// dedupe appends the entries of add whose id is not already in base.
func dedupe(base, add []model.SharedFile) []model.SharedFile {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]model.SharedFile, 0, len(base)+len(add))
	for _, f := range base {
		if !seen[f.ID] {
			seen[f.ID] = true
			out = append(out, f)
		}
	}
	for _, f := range add {
		if !seen[f.ID] {
			seen[f.ID] = true
			f.AbsolutePath = ""
			out = append(out, f)
		}
	}
	return out
}

// -----------------------------
// Scheduler
// -----------------------------

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sendHeartbeats(ctx)
		}
	}
}

// sendHeartbeats contacts every known peer once. Failures never evict.
func (m *Manager) sendHeartbeats(ctx context.Context) {
	self := m.Identity().DeviceID()
	battery := m.battery()

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, p := range m.peers.List() {
		p := p
		g.Go(func() error {
			if err := m.client.Send(ctx, p.TransferAddr(), wire.NewHeartbeat(self, battery)); err != nil {
				log.Debug("heartbeat", "peer", p.DeviceID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) cleanupLoop(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup evicts stale peers and abandons idle transfers.
func (m *Manager) cleanup() {
	evicted := m.peers.EvictStale(m.cfg.PeerTTL())
	for _, id := range evicted {
		log.Info("peer expired", "peer", id)
	}
	m.metrics.Evicted(len(evicted))
	m.metrics.SetPeers(m.peers.Len())

	for _, tr := range m.tracker.EvictIdle(m.cfg.TransferTTL()) {
		log.Info("transfer abandoned", "file", tr.FileID, "peer", tr.PeerID, "direction", tr.Direction)
		m.metrics.TransferFinished(string(tr.Direction), string(tr.State))
		m.notify(tr)
	}
}
