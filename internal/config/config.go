package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ankouros/pmesh/internal/chunk"
)

const (
	ConfigDirName  = "pmesh"
	ConfigFileName = "pmesh.json"

	ConfigVersionCurrent = 1

	EnvSecret     = "PMESH_SECRET"
	EnvInsecure   = "PMESH_INSECURE"
	EnvDeviceName = "PMESH_DEVICE_NAME"
	EnvConfigPath = "PMESH_CONFIG"
)

var cfgMu sync.Mutex

var ErrNoSecret = fmt.Errorf("no mesh secret: set %s or enable insecure mode", EnvSecret)

// Config is the on-disk node configuration. Durations are whole seconds
// unless the field name says otherwise.
type Config struct {
	Version int `json:"version"`

	DisplayName  string   `json:"displayName,omitempty"`
	DeviceType   string   `json:"deviceType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	ListenHost     string   `json:"listenHost,omitempty"`
	TransferPort   int      `json:"transferPort"`
	DiscoveryPort  int      `json:"discoveryPort"`
	BroadcastAddrs []string `json:"broadcastAddrs,omitempty"`

	DiscoveryIntervalSec int `json:"discoveryIntervalSec"`
	HeartbeatIntervalSec int `json:"heartbeatIntervalSec"`
	CleanupIntervalSec   int `json:"cleanupIntervalSec"`
	PeerTTLSec           int `json:"peerTtlSec"`
	TransferTTLSec       int `json:"transferTtlSec"`
	IOTimeoutSec         int `json:"ioTimeoutSec"`

	ChunkSize              int `json:"chunkSize"`
	ChunkDelayMs           int `json:"chunkDelayMs"`
	MaxConcurrentTransfers int `json:"maxConcurrentTransfers"`

	DownloadDir string `json:"downloadDir,omitempty"`
	MetricsAddr string `json:"metricsAddr,omitempty"`

	Secret   string `json:"secret,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// -----------------------------
// Defaults
// -----------------------------

func DefaultConfig() Config {
	return Config{
		Version:                ConfigVersionCurrent,
		DeviceType:             "handheld",
		Capabilities:           []string{"share", "search"},
		TransferPort:           8090,
		DiscoveryPort:          8091,
		DiscoveryIntervalSec:   30,
		HeartbeatIntervalSec:   60,
		CleanupIntervalSec:     300,
		PeerTTLSec:             600,
		TransferTTLSec:         300,
		IOTimeoutSec:           30,
		ChunkSize:              32 * 1024,
		ChunkDelayMs:           10,
		MaxConcurrentTransfers: 4,
	}
}

func (c Config) DiscoveryInterval() time.Duration { return seconds(c.DiscoveryIntervalSec) }
func (c Config) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatIntervalSec) }
func (c Config) CleanupInterval() time.Duration   { return seconds(c.CleanupIntervalSec) }
func (c Config) PeerTTL() time.Duration           { return seconds(c.PeerTTLSec) }
func (c Config) TransferTTL() time.Duration       { return seconds(c.TransferTTLSec) }
func (c Config) IOTimeout() time.Duration         { return seconds(c.IOTimeoutSec) }
func (c Config) ChunkDelay() time.Duration        { return time.Duration(c.ChunkDelayMs) * time.Millisecond }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Validate reports the first invalid setting. Port 0 binds an ephemeral port.
func (c Config) Validate() error {
	switch {
	case c.TransferPort < 0 || c.TransferPort > 65535:
		return fmt.Errorf("invalid transfer port %d", c.TransferPort)
	case c.DiscoveryPort < 0 || c.DiscoveryPort > 65535:
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	case c.ChunkSize <= 0 || c.ChunkSize > chunk.MaxSize:
		return fmt.Errorf("chunk size %d out of range (1..%d)", c.ChunkSize, chunk.MaxSize)
	case c.MaxConcurrentTransfers <= 0:
		return errors.New("maxConcurrentTransfers must be positive")
	case c.DiscoveryIntervalSec <= 0 || c.HeartbeatIntervalSec <= 0 || c.CleanupIntervalSec <= 0:
		return errors.New("intervals must be positive")
	case c.PeerTTLSec <= 0 || c.TransferTTLSec <= 0 || c.IOTimeoutSec <= 0:
		return errors.New("timeouts must be positive")
	case c.ChunkDelayMs < 0:
		return errors.New("chunkDelayMs must not be negative")
	case c.Secret == "" && !c.Insecure:
		return ErrNoSecret
	}
	return nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvSecret)); v != "" {
		c.Secret = v
	}
	if v := os.Getenv(EnvInsecure); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Insecure = b
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceName)); v != "" {
		c.DisplayName = v
	}
}

// -----------------------------
// Paths
// -----------------------------

func ConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", ConfigDirName, ConfigFileName), nil
}

// DefaultDownloadDir is used when DownloadDir is empty.
func DefaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads", ConfigDirName), nil
}

func ensureDir() (string, error) {
	p, err := ConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", err
	}
	return p, nil
}

// -----------------------------
// Public API
// -----------------------------

// EnsureConfig loads the config file, writing defaults first if it does not
// exist. Environment overrides are applied to the returned value only.
func EnsureConfig() (Config, string, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	p, err := ConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := saveLocked(cfg); err != nil {
			return Config{}, "", err
		}
		cfg.ApplyEnv()
		return cfg, p, nil
	}

	cfg, err := loadLocked(p)
	if err != nil {
		return Config{}, "", err
	}
	cfg.ApplyEnv()
	return cfg, p, nil
}

// Load reads the config file without applying environment overrides.
func Load() (Config, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	p, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadLocked(p)
}

func loadLocked(p string) (Config, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON: %w", err)
	}

	// ---- migration / normalization ----
	if cfg.Version == 0 {
		cfg.Version = ConfigVersionCurrent
		if err := saveLocked(cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.Version != ConfigVersionCurrent {
		return Config{}, fmt.Errorf(
			"unsupported config version %d (expected %d)",
			cfg.Version,
			ConfigVersionCurrent,
		)
	}

	if normalize(&cfg) {
		if err := saveLocked(cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// normalize fills zero values with defaults and trims names.
func normalize(cfg *Config) bool {
	def := DefaultConfig()
	changed := false

	fill := func(v *int, d int) {
		if *v == 0 {
			*v = d
			changed = true
		}
	}
	fill(&cfg.DiscoveryPort, def.DiscoveryPort)
	fill(&cfg.DiscoveryIntervalSec, def.DiscoveryIntervalSec)
	fill(&cfg.HeartbeatIntervalSec, def.HeartbeatIntervalSec)
	fill(&cfg.CleanupIntervalSec, def.CleanupIntervalSec)
	fill(&cfg.PeerTTLSec, def.PeerTTLSec)
	fill(&cfg.TransferTTLSec, def.TransferTTLSec)
	fill(&cfg.IOTimeoutSec, def.IOTimeoutSec)
	fill(&cfg.ChunkSize, def.ChunkSize)
	fill(&cfg.MaxConcurrentTransfers, def.MaxConcurrentTransfers)

	if name := strings.TrimSpace(cfg.DisplayName); name != cfg.DisplayName {
		cfg.DisplayName = name
		changed = true
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = def.DeviceType
		changed = true
	}
	return changed
}

func Save(cfg Config) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return saveLocked(cfg)
}

func saveLocked(cfg Config) error {
	p, err := ensureDir()
	if err != nil {
		return err
	}

	cfg.Version = ConfigVersionCurrent

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := p + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, p); err != nil {
		return err
	}

	// fsync directory for durability
	dir := filepath.Dir(p)
	if df, err := os.Open(dir); err == nil {
		_ = syscall.Fsync(int(df.Fd()))
		df.Close()
	}

	return nil
}
