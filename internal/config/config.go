// Package config assembles server configuration from defaults, KVS_*
// environment variables and command-line flags, in that order.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

// Environment variables read by LoadEnv
const (
	EnvAddr                = "KVS_ADDR"
	EnvDir                 = "KVS_DIR"
	EnvAdminAddr           = "KVS_ADMIN_ADDR"
	EnvHealthAddr          = "KVS_HEALTH_ADDR"
	EnvTraceEndpoint       = "KVS_TRACE_ENDPOINT"
	EnvLogLevel            = "KVS_LOG_LEVEL"
	EnvCompactionThreshold = "KVS_COMPACTION_THRESHOLD"
	EnvSyncMode            = "KVS_SYNC"
	EnvStrictReplay        = "KVS_STRICT_REPLAY"
	EnvMaxKeySize          = "KVS_MAX_KEY_SIZE"
	EnvMaxValueSize        = "KVS_MAX_VALUE_SIZE"
)

// Config holds everything needed to run a server
type Config struct {
	// Addr is the TCP address for the kvs protocol
	Addr string
	// Dir is the store root; segments live in Dir/.kvs
	Dir string
	// AdminAddr enables the HTTP admin surface when set
	AdminAddr string
	// HealthAddr enables the gRPC health service when set
	HealthAddr string
	// TraceEndpoint is a Jaeger collector URL; empty disables export
	TraceEndpoint string
	LogLevel      string
	Storage       storage.Config
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Addr:     "127.0.0.1:4000",
		Dir:      ".",
		LogLevel: "info",
		Storage:  storage.DefaultConfig(),
	}
}

// LoadEnv overlays set KVS_* variables onto c
func (c *Config) LoadEnv() error {
	return c.load(os.LookupEnv)
}

func (c *Config) load(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str(EnvAddr, &c.Addr)
	str(EnvDir, &c.Dir)
	str(EnvAdminAddr, &c.AdminAddr)
	str(EnvHealthAddr, &c.HealthAddr)
	str(EnvTraceEndpoint, &c.TraceEndpoint)
	str(EnvLogLevel, &c.LogLevel)

	if v, ok := lookup(EnvCompactionThreshold); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCompactionThreshold, err)
		}
		c.Storage.CompactionThreshold = n
	}
	if v, ok := lookup(EnvSyncMode); ok {
		mode, err := wal.ParseSyncMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSyncMode, err)
		}
		c.Storage.SyncMode = mode
	}
	for name, dst := range map[string]*int{
		EnvMaxKeySize:   &c.Storage.MaxKeySize,
		EnvMaxValueSize: &c.Storage.MaxValueSize,
	} {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}
	if v, ok := lookup(EnvStrictReplay); ok {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStrictReplay, err)
		}
		c.Storage.StrictReplay = strict
	}
	return nil
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("store directory cannot be empty")
	}
	if _, err := shared.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for name, addr := range map[string]string{"addr": c.Addr, "admin address": c.AdminAddr, "health address": c.HealthAddr} {
		if addr == "" && name != "addr" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, addr, err)
		}
	}
	if c.Storage.CompactionThreshold < 0 {
		return fmt.Errorf("compaction threshold cannot be negative")
	}
	if c.Storage.MaxKeySize < 0 || c.Storage.MaxValueSize < 0 {
		return fmt.Errorf("size limits cannot be negative")
	}
	return nil
}

// Logger builds a logger at LogLevel writing to w
func (c *Config) Logger(w io.Writer) (*shared.Logger, error) {
	level, err := shared.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return shared.NewLoggerTo(w, level), nil
}
