// Package discovery announces this device on the local network over UDP
// broadcast and records the devices it hears from.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/ankouros/pmesh/internal/logger"
	"github.com/ankouros/pmesh/internal/metrics"
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/peers"
	"github.com/ankouros/pmesh/internal/wire"
)

var log = logger.Logger("discovery")

const (
	DefaultPort     = 8091
	DefaultInterval = 30 * time.Second

	socketBuffer = 1 << 20
)

// Options configure a Service. Self and Peers are required.
type Options struct {
	ListenHost string
	// Port 0 binds an ephemeral port; Targets must then be explicit.
	Port int
	// Targets are host:port datagram destinations. When empty every up,
	// non-loopback IPv4 broadcast address plus 255.255.255.255 is used.
	Targets  []string
	Interval time.Duration

	Self    func() model.DeviceInfo
	Peers   *peers.Registry
	Sealer  *wire.Sealer
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// OnPeer is called, outside any lock, the first time a device is seen.
	OnPeer func(model.PeerDevice)
}

type Service struct {
	opts Options

	conn *net.UDPConn

	targetsMu sync.Mutex
	targets   []*net.UDPAddr
}

func New(opts Options) (*Service, error) {
	if opts.Self == nil {
		return nil, errors.New("discovery: missing self info")
	}
	if opts.Peers == nil {
		return nil, errors.New("discovery: missing peer registry")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Service{opts: opts}
	if err := s.SetTargets(opts.Targets); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTargets replaces the announcement destinations.
func (s *Service) SetTargets(targets []string) error {
	var addrs []*net.UDPAddr
	if len(targets) == 0 {
		var err error
		if addrs, err = broadcastAddrs(s.opts.Port); err != nil {
			return err
		}
	}
	for _, t := range targets {
		a, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return fmt.Errorf("discovery target %q: %w", t, err)
		}
		addrs = append(addrs, a)
	}

	s.targetsMu.Lock()
	s.targets = addrs
	s.targetsMu.Unlock()
	return nil
}

// Listen binds the discovery socket. It must be called before Run.
func (s *Service) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	addr := net.JoinHostPort(s.opts.ListenHost, strconv.Itoa(s.opts.Port))
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery listen %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	if err := conn.SetReadBuffer(socketBuffer); err != nil {
		log.Debug("udp read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(socketBuffer); err != nil {
		log.Debug("udp write buffer", "err", err)
	}
	// LAN only.
	if err := ipv4.NewPacketConn(conn).SetTTL(1); err != nil {
		log.Debug("udp ttl", "err", err)
	}

	s.conn = conn
	return nil
}

// LocalAddr is the bound socket address, nil before Listen.
func (s *Service) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run announces this device every interval and handles incoming datagrams
// until ctx is cancelled. The socket is closed on return.
func (s *Service) Run(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("discovery: Run before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.announceLoop(ctx) })
	g.Go(func() error { return s.listenLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	return g.Wait()
}

func (s *Service) announceLoop(ctx context.Context) error {
	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.Announce()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Announce sends one Discovery datagram to every target.
func (s *Service) Announce() {
	self := s.opts.Self()
	msg := wire.NewDiscovery(self.DeviceID, self, false)
	b, err := wire.EncodeDatagram(&msg, s.opts.Sealer)
	if err != nil {
		log.Warn("encode announcement", "err", err)
		return
	}

	s.targetsMu.Lock()
	targets := s.targets
	s.targetsMu.Unlock()

	for _, addr := range targets {
		if _, err := s.conn.WriteToUDP(b, addr); err != nil {
			log.Debug("announce", "target", addr.String(), "err", err)
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxDatagramBytes)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Debug("udp read", "err", err)
			continue
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(b []byte, src *net.UDPAddr) {
	msg, err := wire.DecodeDatagram(b, s.opts.Sealer)
	if err != nil {
		result := "malformed"
		if errors.Is(err, wire.ErrUnauthenticated) {
			result = "unauthenticated"
		}
		s.opts.Metrics.Datagram(result)
		log.Debug("drop datagram", "from", src.String(), "err", err)
		return
	}
	if msg.Type != wire.TypeDiscovery {
		s.opts.Metrics.Datagram("unexpected")
		log.Debug("drop datagram", "from", src.String(), "type", msg.Type)
		return
	}

	self := s.opts.Self()
	info := msg.Discovery.Device
	if info.DeviceID == self.DeviceID {
		s.opts.Metrics.Datagram("self")
		return
	}
	s.opts.Metrics.Datagram("ok")

	peer, isNew := s.opts.Peers.Upsert(info, src.IP.String())
	s.opts.Metrics.SetPeers(s.opts.Peers.Len())
	if isNew {
		log.Info("peer discovered", "peer", peer.DeviceID, "name", peer.DisplayName, "addr", peer.TransferAddr())
		if s.opts.OnPeer != nil {
			s.opts.OnPeer(peer)
		}
	}

	if msg.Discovery.Reply {
		return
	}
	reply := wire.NewDiscovery(self.DeviceID, self, true)
	out, err := wire.EncodeDatagram(&reply, s.opts.Sealer)
	if err != nil {
		log.Warn("encode reply", "err", err)
		return
	}
	if _, err := s.conn.WriteToUDP(out, src); err != nil {
		log.Debug("reply", "to", src.String(), "err", err)
	}
}

// broadcastAddrs lists the directed broadcast address of every up,
// non-loopback IPv4 interface plus the limited broadcast address.
func broadcastAddrs(port int) ([]*net.UDPAddr, error) {
	addrs := []*net.UDPAddr{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifaceAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			mask := ipNet.Mask
			if len(mask) != 4 {
				continue
			}
			bcast := net.IPv4(
				ip[0]|^mask[0],
				ip[1]|^mask[1],
				ip[2]|^mask[2],
				ip[3]|^mask[3],
			)
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	addrs = append(addrs, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	return addrs, nil
}
