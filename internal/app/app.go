// Package app wires a mesh node together and runs it until signalled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/ankouros/pmesh/internal/config"
	"github.com/ankouros/pmesh/internal/logger"
	"github.com/ankouros/pmesh/internal/mesh"
	"github.com/ankouros/pmesh/internal/metrics"
	"github.com/ankouros/pmesh/internal/model"
)

var log = logger.Logger("app")

const (
	startTimeout   = 15 * time.Second
	stopTimeout    = 15 * time.Second
	statusInterval = time.Minute
)

// Module provides the metrics registry, the mesh manager and the optional
// metrics endpoint, and binds them to the fx lifecycle.
func Module(cfg config.Config) fx.Option {
	return fx.Module("pmesh",
		fx.Supply(cfg),
		fx.Provide(
			metrics.New,
			newManager,
			newMetricsServer,
		),
		fx.Invoke(registerMesh, registerMetricsServer),
	)
}

// New builds the application without starting it.
func New(cfg config.Config, extra ...fx.Option) *fx.App {
	opts := append([]fx.Option{Module(cfg), fx.NopLogger}, extra...)
	return fx.New(opts...)
}

func newManager(cfg config.Config, mt *metrics.Metrics) (*mesh.Manager, error) {
	return mesh.New(cfg, mesh.WithMetrics(mt))
}

func registerMesh(lc fx.Lifecycle, m *mesh.Manager) {
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Shutdown,
	})
}

// -----------------------------
// Metrics endpoint
// -----------------------------

type metricsServer struct {
	addr string
	srv  *http.Server
	ln   net.Listener
}

// newMetricsServer returns nil when no metrics address is configured.
func newMetricsServer(cfg config.Config, mt *metrics.Metrics) *metricsServer {
	if cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", mt.Handler())
	return &metricsServer{
		addr: cfg.MetricsAddr,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

func (s *metricsServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", "err", err)
		}
	}()
	log.Info("metrics endpoint", "addr", ln.Addr().String())
	return nil
}

func (s *metricsServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr is the bound address, empty before Start.
func (s *metricsServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func registerMetricsServer(lc fx.Lifecycle, s *metricsServer) {
	if s == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

// -----------------------------
// Run
// -----------------------------

// Run starts a node, shares files and blocks until SIGINT or SIGTERM.
func Run(cfg config.Config, files []string) error {
	var m *mesh.Manager
	app := New(cfg, fx.Populate(&m))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	m.OnTransferDone(func(tr model.FileTransfer) {
		log.Info("transfer finished",
			"file", tr.Filename,
			"peer", tr.PeerID,
			"direction", tr.Direction,
			"state", tr.State,
			"path", tr.Path,
		)
	})

	for _, p := range files {
		id, err := m.ShareFile(startCtx, p, "", nil)
		if err != nil {
			log.Error("share failed", "path", p, "err", err)
			continue
		}
		log.Info("sharing", "path", p, "file", id)
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	done := app.Done()
loop:
	for {
		select {
		case sig := <-done:
			log.Info("shutting down", "signal", sig.String())
			break loop
		case <-ticker.C:
			logStatus(m)
		}
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	return app.Stop(stopCtx)
}

func logStatus(m *mesh.Manager) {
	peers, err := m.Peers()
	if err != nil {
		return
	}
	transfers, _ := m.ActiveTransfers()
	log.Info("status", "peers", len(peers), "transfers", len(transfers))
	for _, p := range peers {
		log.Debug("peer",
			"peer", p.DeviceID,
			"name", p.DisplayName,
			"addr", p.TransferAddr(),
			"files", len(p.AdvertisedFiles),
			"lastSeen", p.LastSeen.Format(time.RFC3339),
		)
	}
}
