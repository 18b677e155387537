package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobstream/internal/cluster"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.RPC.Host, cfg.RPC.Host)
	assert.Equal(t, def.RPC.Port, cfg.RPC.Port)
	assert.Nil(t, cfg.RPC.TCPNoDelay)
	assert.Zero(t, cfg.RPC.Timeout)
	assert.Equal(t, def.Runtime, cfg.Runtime)
	assert.Equal(t, def.JobDefaults, cfg.JobDefaults)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server_id: 7
rpc:
  host: 127.0.0.1
  port: 7100
  timeout: 30s
  max_concurrent_streams: 64
  keep_alive_interval: 10s
  tcp_nodelay: false
cluster:
  listen: 127.0.0.1:7200
  peers:
    - id: 7
      addr: 127.0.0.1:7200
    - id: 8
      addr: 127.0.0.1:7201
runtime:
  executors: 4
  encoding: cbor
job_defaults:
  workers: 2
  time_limit: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.ServerID)
	assert.Equal(t, "127.0.0.1:7100", cfg.RPC.Addr())
	assert.Equal(t, 30*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, uint32(64), cfg.RPC.MaxConcurrentStreams)
	assert.Equal(t, 10*time.Second, cfg.RPC.KeepAliveInterval)
	require.NotNil(t, cfg.RPC.TCPNoDelay)
	assert.False(t, *cfg.RPC.TCPNoDelay)
	assert.Equal(t, []cluster.Member{{ID: 7, Addr: "127.0.0.1:7200"}, {ID: 8, Addr: "127.0.0.1:7201"}}, cfg.Cluster.Peers)
	assert.Equal(t, 4, cfg.Runtime.Executors)
	assert.Equal(t, 256, cfg.Runtime.QueueCapacity, "unset keys keep their default")
	assert.Equal(t, "cbor", cfg.Runtime.Encoding)

	jc := cfg.JobDefaults.JobConf()
	assert.Equal(t, uint32(2), jc.Workers)
	assert.Equal(t, uint64(60000), jc.TimeLimit)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JOBSTREAM_RPC_PORT", "7300")
	t.Setenv("JOBSTREAM_LOG_LEVEL", "debug")
	t.Setenv("JOBSTREAM_RPC_TCP_NODELAY", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7300, cfg.RPC.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NotNil(t, cfg.RPC.TCPNoDelay)
	assert.True(t, *cfg.RPC.TCPNoDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.RPC.Port = 70000
	cfg.Runtime.Executors = 0
	cfg.Runtime.Encoding = "xml"
	cfg.Cluster.Peers = []cluster.Member{{ID: 1, Addr: "a"}, {ID: 1, Addr: "b"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "log.level")
	assert.Contains(t, msg, "rpc.port")
	assert.Contains(t, msg, "runtime.executors")
	assert.Contains(t, msg, "runtime.encoding")
	assert.Contains(t, msg, "cluster.peers")
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateServerIDFitsJobIDs(t *testing.T) {
	cfg := Default()
	cfg.ServerID = MaxServerID
	assert.NoError(t, cfg.Validate())

	cfg.ServerID = MaxServerID + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_id")

	path := writeFile(t, "server_id: 70000\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "server_id")
}

func TestLoadShutdownGracePeriod(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.RPC.ShutdownGracePeriod)

	cfg, err = Load(writeFile(t, "rpc:\n  shutdown_grace_period: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RPC.ShutdownGracePeriod)
}
