// Package peers tracks remote devices seen on the mesh.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ankouros/pmesh/internal/model"
)

// Registry maps device ids to peers. Readers get copies.
type Registry struct {
	clock clock.Clock

	mu    sync.RWMutex
	peers map[string]*model.PeerDevice
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock: clk,
		peers: make(map[string]*model.PeerDevice),
	}
}

// Upsert records a discovery announcement. address is the observed source
// address of the packet, never a value taken from the payload. The boolean is
// true when the peer was not known before.
func (r *Registry) Upsert(info model.DeviceInfo, address string) (model.PeerDevice, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[info.DeviceID]
	if !ok {
		peer = &model.PeerDevice{DeviceID: info.DeviceID}
		r.peers[info.DeviceID] = peer
	}
	peer.DisplayName = info.DisplayName
	peer.DeviceType = info.DeviceType
	peer.Address = address
	peer.Port = info.Port
	peer.Capabilities = append([]string(nil), info.Capabilities...)
	if info.BatteryLevel != nil {
		lvl := *info.BatteryLevel
		peer.BatteryLevel = &lvl
	}
	peer.LastSeen = now

	return peer.Clone(), !ok
}

// Touch refreshes last-seen (and battery, if given) of a known peer.
func (r *Registry) Touch(deviceID string, battery *uint8) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[deviceID]
	if !ok {
		return false
	}
	peer.LastSeen = now
	if battery != nil {
		lvl := *battery
		peer.BatteryLevel = &lvl
	}
	return true
}

// SetAdvertised replaces the peer's advertised catalog. Entries not owned by
// the peer are dropped.
func (r *Registry) SetAdvertised(deviceID string, files []model.SharedFile) bool {
	own := make([]model.SharedFile, 0, len(files))
	for _, f := range files {
		if f.OwnerDeviceID != deviceID || f.ID != model.FileID(deviceID, f.ContentHash) {
			continue
		}
		f = f.Clone()
		f.AbsolutePath = ""
		own = append(own, f)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[deviceID]
	if !ok {
		return false
	}
	peer.AdvertisedFiles = own
	return true
}

func (r *Registry) Get(deviceID string) (model.PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[deviceID]
	if !ok {
		return model.PeerDevice{}, false
	}
	return peer.Clone(), true
}

// List returns a snapshot ordered by device id.
func (r *Registry) List() []model.PeerDevice {
	r.mu.RLock()
	out := make([]model.PeerDevice, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[deviceID]; !ok {
		return false
	}
	delete(r.peers, deviceID)
	return true
}

// EvictStale removes peers not seen for longer than ttl and returns their ids.
func (r *Registry) EvictStale(ttl time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeen) > ttl {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
