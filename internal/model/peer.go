package model

import (
	"net"
	"strconv"
	"time"
)

// DeviceInfo is what a device announces about itself during discovery.
type DeviceInfo struct {
	DeviceID     string   `json:"deviceId"`
	DisplayName  string   `json:"displayName,omitempty"`
	DeviceType   string   `json:"deviceType,omitempty"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
	BatteryLevel *uint8   `json:"batteryLevel,omitempty"`
}

// PeerDevice is a remote device known to the registry.
type PeerDevice struct {
	DeviceID        string       `json:"deviceId"`
	DisplayName     string       `json:"displayName,omitempty"`
	Address         string       `json:"address"`
	Port            int          `json:"port"`
	LastSeen        time.Time    `json:"lastSeen"`
	BatteryLevel    *uint8       `json:"batteryLevel,omitempty"`
	DeviceType      string       `json:"deviceType,omitempty"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	AdvertisedFiles []SharedFile `json:"advertisedFiles,omitempty"`
}

// TransferAddr is the host:port of the peer's transfer listener.
func (p PeerDevice) TransferAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// AdvertisedFile looks up fileID in the peer's last advertised catalog.
func (p PeerDevice) AdvertisedFile(fileID string) (SharedFile, bool) {
	for _, f := range p.AdvertisedFiles {
		if f.ID == fileID {
			return f, true
		}
	}
	return SharedFile{}, false
}

// Clone returns a deep copy.
func (p PeerDevice) Clone() PeerDevice {
	out := p
	if p.BatteryLevel != nil {
		lvl := *p.BatteryLevel
		out.BatteryLevel = &lvl
	}
	if p.Capabilities != nil {
		out.Capabilities = append([]string(nil), p.Capabilities...)
	}
	out.AdvertisedFiles = CloneFiles(p.AdvertisedFiles)
	return out
}
