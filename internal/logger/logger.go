// Package logger provides per-subsystem structured loggers built on log/slog.
//
// Levels and format are read from the environment once:
//
//	PMESH_LOG_LEVEL=discovery=debug,transfer=warn,info
//	PMESH_LOG_FORMAT=json
//
// Usage:
//
//	var log = logger.Logger("discovery")
//	log.Info("peer discovered", "peer", id, "addr", addr)
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the slog handler used for output.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the parsed logging environment.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
}

// LevelFor returns the level configured for subsystem.
func (c *Config) LevelFor(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

var (
	loggers sync.Map // subsystem -> *slog.Logger
	levels  sync.Map // subsystem -> *slog.LevelVar

	cfgOnce sync.Once
	cfg     *Config

	outputMu sync.RWMutex
	output   io.Writer = os.Stderr
)

// Logger returns the cached logger for subsystem, creating it on first use.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	c := ConfigFromEnv()
	lv := new(slog.LevelVar)
	lv.Set(c.LevelFor(subsystem))

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if c.Format == FormatJSON {
		h = slog.NewJSONHandler(writer{}, opts)
	} else {
		h = slog.NewTextHandler(writer{}, opts)
	}
	l := slog.New(h).With("subsystem", subsystem)

	actual, loaded := loggers.LoadOrStore(subsystem, l)
	if !loaded {
		levels.Store(subsystem, lv)
	}
	return actual.(*slog.Logger)
}

// SetLevel changes the level of an existing subsystem logger at runtime.
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
	}
}

// SetGlobalLevel changes the level of every subsystem logger created so far.
func SetGlobalLevel(level slog.Level) {
	levels.Range(func(_, v any) bool {
		v.(*slog.LevelVar).Set(level)
		return true
	})
}

// SetOutput redirects every logger, including ones already created.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// ConfigFromEnv parses PMESH_LOG_LEVEL and PMESH_LOG_FORMAT once.
func ConfigFromEnv() *Config {
	cfgOnce.Do(func() {
		cfg = ParseConfig(os.Getenv("PMESH_LOG_LEVEL"), os.Getenv("PMESH_LOG_FORMAT"))
	})
	return cfg
}

// ParseConfig parses a level spec ("sub=level,...,default") and a format name.
func ParseConfig(levelSpec, format string) *Config {
	c := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: map[string]slog.Level{},
		Format:          FormatText,
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		c.Format = FormatJSON
	}

	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sub, name, found := strings.Cut(part, "=")
		if !found {
			if lvl, ok := parseLevel(part); ok {
				c.DefaultLevel = lvl
			}
			continue
		}
		if lvl, ok := parseLevel(name); ok {
			c.SubsystemLevels[strings.TrimSpace(sub)] = lvl
		}
	}
	return c
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// writer resolves the current output on every write so SetOutput applies to
// loggers created before it was called.
type writer struct{}

func (writer) Write(p []byte) (int, error) {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return w.Write(p)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
