// Package identity holds the per-run identity of this device.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"

	"github.com/ankouros/pmesh/internal/model"
)

const idBytes = 16

// Identity is immutable for the lifetime of the process.
type Identity struct {
	deviceID     string
	displayName  string
	deviceType   string
	port         int
	capabilities []string
}

// New derives a fresh device id from the device type, the display name and a
// time based salt.
func New(displayName, deviceType string, port int, capabilities []string) Identity {
	return newAt(displayName, deviceType, port, capabilities, time.Now())
}

func newAt(displayName, deviceType string, port int, capabilities []string, now time.Time) Identity {
	if deviceType == "" {
		deviceType = "handheld"
	}
	if displayName == "" {
		displayName = deviceType
	}

	var salt [16]byte
	binary.BigEndian.PutUint64(salt[:8], uint64(now.UnixNano()))
	_, _ = rand.Read(salt[8:])

	h := sha256.New()
	h.Write([]byte(deviceType))
	h.Write([]byte{0})
	h.Write([]byte(displayName))
	h.Write([]byte{0})
	h.Write(salt[:])
	sum := h.Sum(nil)

	return Identity{
		deviceID:     base58.Encode(sum[:idBytes]),
		displayName:  displayName,
		deviceType:   deviceType,
		port:         port,
		capabilities: normalizeCapabilities(capabilities),
	}
}

func (i Identity) DeviceID() string    { return i.deviceID }
func (i Identity) DisplayName() string { return i.displayName }
func (i Identity) DeviceType() string  { return i.deviceType }
func (i Identity) Port() int           { return i.port }

// Capabilities returns a copy of the advertised capability list.
func (i Identity) Capabilities() []string {
	return append([]string(nil), i.capabilities...)
}

// WithPort returns a copy bound to a different transfer port. Used once the
// listener has resolved an ephemeral port.
func (i Identity) WithPort(port int) Identity {
	i.port = port
	return i
}

// Info is the announced form of the identity.
func (i Identity) Info(battery *uint8) model.DeviceInfo {
	return model.DeviceInfo{
		DeviceID:     i.deviceID,
		DisplayName:  i.displayName,
		DeviceType:   i.deviceType,
		Port:         i.port,
		Capabilities: i.Capabilities(),
		BatteryLevel: battery,
	}
}

func normalizeCapabilities(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
