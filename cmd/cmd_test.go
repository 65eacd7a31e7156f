package cmd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/kvs/client"
	"github.com/sajjad-MoBe/kvs/internal/config"
	"github.com/sajjad-MoBe/kvs/internal/server"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(args ...string) result {
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// clearEnv keeps the caller's KVS_* variables out of the test
func clearEnv(t *testing.T) {
	for _, name := range []string{
		config.EnvAddr, config.EnvDir, config.EnvAdminAddr, config.EnvHealthAddr,
		config.EnvTraceEndpoint, config.EnvLogLevel, config.EnvCompactionThreshold,
		config.EnvSyncMode, config.EnvStrictReplay, config.EnvMaxKeySize, config.EnvMaxValueSize,
	} {
		if v, ok := os.LookupEnv(name); ok {
			t.Setenv(name, v)
			os.Unsetenv(name)
		}
	}
}

func TestLocalCommands(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	r := run("get", "key1", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "Key not found\n", r.stdout)

	r = run("set", "key1", "value1", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Empty(t, r.stdout)

	r = run("get", "key1", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "value1\n", r.stdout)

	r = run("set", "key1", "value2", "--dir", dir)
	assert.Equal(t, 0, r.code)
	r = run("get", "key1", "--dir", dir)
	assert.Equal(t, "value2\n", r.stdout)

	r = run("rm", "key1", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Empty(t, r.stdout)

	r = run("get", "key1", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "Key not found\n", r.stdout)

	r = run("rm", "key1", "--dir", dir)
	assert.Equal(t, 1, r.code)
	assert.Equal(t, "Key not found\n", r.stdout)
	assert.Empty(t, r.stderr)
}

func TestDirFromEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(config.EnvDir, dir)

	require.Equal(t, 0, run("set", "a", "1").code)
	assert.DirExists(t, filepath.Join(dir, storage.StoreDirName))

	r := run("get", "a")
	assert.Equal(t, "1\n", r.stdout)
}

func TestArgumentErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	r := run("get", "--dir", dir)
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "Error:")

	r = run("set", "only-key", "--dir", dir)
	assert.Equal(t, 1, r.code)

	r = run("unknown")
	assert.Equal(t, 1, r.code)
}

func TestCompactCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	for _, v := range []string{"a", "bb", "ccc"} {
		require.Equal(t, 0, run("set", "k", v, "--dir", dir).code)
	}

	r := run("compact", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.True(t, strings.HasPrefix(r.stdout, "compacted 1 keys"), r.stdout)

	ids, err := wal.ListSegments(filepath.Join(dir, storage.StoreDirName))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)

	r = run("get", "k", "--dir", dir)
	assert.Equal(t, "ccc\n", r.stdout)
}

func TestCheckCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	// Every run appends to a fresh segment
	require.Equal(t, 0, run("set", "a", "1", "--dir", dir).code)
	require.Equal(t, 0, run("set", "b", "2", "--dir", dir).code)

	r := run("check", "--dir", dir)
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "log-1: 1 records (1 sets, 0 removes)")
	assert.Contains(t, r.stdout, "log-2: 1 records (1 sets, 0 removes)")
	assert.Contains(t, r.stdout, "2 segments, 0 with corrupt tails")
	assert.Less(t, strings.Index(r.stdout, "log-1:"), strings.Index(r.stdout, "log-2:"))

	f, err := os.OpenFile(wal.SegmentPath(filepath.Join(dir, storage.StoreDirName), 2), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r = run("check", "--dir", dir)
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stdout, "log-2: corrupt tail at offset")
	assert.NotContains(t, r.stdout, "log-1: corrupt tail")
	assert.Contains(t, r.stdout, "2 segments, 1 with corrupt tails")
}

func TestCheckHonorsConfiguredLimits(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(config.EnvMaxKeySize, strconv.Itoa(2*storage.DefaultMaxKeySize))

	longKey := strings.Repeat("k", storage.DefaultMaxKeySize+1)
	require.Equal(t, 0, run("set", longKey, "v", "--dir", dir).code)

	r := run("check", "--dir", dir)
	assert.Equal(t, 0, r.code, r.stdout)
	assert.Contains(t, r.stdout, "1 segments, 0 with corrupt tails")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)

	r := run("serve", "--dir", t.TempDir(), "--addr", "not-an-address")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "invalid addr")

	r = run("serve", "--dir", t.TempDir(), "--sync", "sometimes")
	assert.Equal(t, 1, r.code)

	r = run("serve", "--dir", t.TempDir(), "--log-level", "loud")
	assert.Equal(t, 1, r.code)
}

func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestServeLifecycle(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Dir = dir
	cfg.Addr = freeAddr(t)
	cfg.AdminAddr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, &bytes.Buffer{}) }()

	clientConfig := client.DefaultConfig()
	clientConfig.MaxRetries = 50
	clientConfig.RetryDelay = 20 * time.Millisecond
	c, err := client.Dial(cfg.Addr, clientConfig)
	require.NoError(t, err)

	require.NoError(t, c.Set("k", "v"))
	value, ok, err := c.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
	c.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	// The lock is released and the write is durable
	store, err := storage.Open(dir, storage.Config{Logger: shared.NopLogger()})
	require.NoError(t, err)
	defer store.Close()
	value, ok, err = store.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func startServer(t *testing.T) string {
	store, err := storage.Open(t.TempDir(), storage.Config{Logger: shared.NopLogger()})
	require.NoError(t, err)

	dispatcher := server.NewDispatcher(store, shared.NopLogger(), nil, nil)
	srv := server.New(dispatcher, server.Config{Addr: "127.0.0.1:0", Logger: shared.NopLogger()})
	require.NoError(t, srv.Listen())
	go srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		store.Close()
	})
	return srv.Addr().String()
}

func TestClientCommands(t *testing.T) {
	clearEnv(t)
	addr := startServer(t)

	r := run("client", "get", "key1", "--addr", addr)
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "Key not found\n", r.stdout)

	r = run("client", "set", "key1", "value1", "--addr", addr)
	assert.Equal(t, 0, r.code)
	assert.Empty(t, r.stdout)

	r = run("client", "get", "key1", "--addr", addr)
	assert.Equal(t, "value1\n", r.stdout)

	r = run("client", "rm", "key1", "--addr", addr)
	assert.Equal(t, 0, r.code)

	r = run("client", "rm", "key1", "--addr", addr)
	assert.Equal(t, 1, r.code)
	assert.Equal(t, "Key not found\n", r.stdout)

	t.Setenv(config.EnvAddr, addr)
	r = run("client", "set", "key2", "value2")
	assert.Equal(t, 0, r.code)
	r = run("client", "get", "key2")
	assert.Equal(t, "value2\n", r.stdout)
}

func TestClientBench(t *testing.T) {
	clearEnv(t)
	addr := startServer(t)

	r := run("client", "bench", "--addr", addr, "-n", "200", "-c", "2")
	assert.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "200 requests, 0 errors")
}

func TestClientConnectionRefused(t *testing.T) {
	clearEnv(t)

	r := run("client", "get", "k", "--addr", freeAddr(t), "--timeout", "200ms")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "failed to connect")
}
