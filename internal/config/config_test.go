package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/pkg/target"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigIsValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "zeros:4", cfg.GetTargetDescription())

	alg, err := cfg.DigestAlgorithm()
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256, alg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: ErrInvalidWorkers},
		{name: "bad difficulty", mutate: func(c *Config) { c.Difficulty = "abc" }, wantErr: target.ErrInvalid},
		{name: "bad algorithm", mutate: func(c *Config) { c.Algorithm = "md5" }, wantErr: crypto.ErrUnknownAlgorithm},
		{name: "bad multiplier", mutate: func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{name: "bad jitter", mutate: func(c *Config) { c.Reconnect.Jitter = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	cfg := NewConfig()
	require.ErrorIs(t, cfg.RequireHeader(), ErrNoHeaderSpecified)
	cfg.PrevHash = "abc123"
	require.NoError(t, cfg.RequireHeader())

	require.NoError(t, cfg.RequireFeed())
	cfg.FeedURL = " "
	require.ErrorIs(t, cfg.RequireFeed(), ErrNoFeedURL)

	require.NoError(t, cfg.RequireRPC())
	cfg.RPCURL = ""
	require.ErrorIs(t, cfg.RequireRPC(), ErrNoRPCURL)
	require.ErrorIs(t, cfg.RequireStateFile(), ErrNoStateFile)
	cfg.StateFile = "miner.db"
	require.NoError(t, cfg.RequireStateFile())
}

func TestLoadFileTOML(t *testing.T) {
	path := writeFile(t, "miner.toml", `
workers = 3
difficulty = "zeros:5"
algorithm = "sha256d"
max_attempts = 5000
rpc_user = "alice"

[reconnect]
initial = "250ms"
max = "10s"
max_attempts = 7
`)
	cfg := NewConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, "zeros:5", cfg.Difficulty)
	require.Equal(t, "sha256d", cfg.Algorithm)
	require.Equal(t, uint64(5000), cfg.MaxAttempts)
	require.Equal(t, "alice", cfg.RPCUser)
	require.Equal(t, 250*time.Millisecond, cfg.Reconnect.Initial)
	require.Equal(t, 10*time.Second, cfg.Reconnect.Max)
	require.Equal(t, 7, cfg.Reconnect.MaxAttempts)

	// Untouched keys keep their defaults.
	require.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	require.Equal(t, "wss://ws.blockchain.info/inv", cfg.FeedURL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "miner.yaml", `
difficulty: "max:0x00ffffffffffffffffffffffffffffff"
feed_url: ws://localhost:9000/inv
submit: true
rpc_timeout: 5s
`)
	cfg := NewConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.True(t, cfg.Submit)
	require.Equal(t, "ws://localhost:9000/inv", cfg.FeedURL)
	require.Equal(t, 5*time.Second, cfg.RPCTimeout)

	tgt, err := cfg.Target()
	require.NoError(t, err)
	require.Equal(t, target.KindCeiling, tgt.Kind())
}

func TestLoadFileErrors(t *testing.T) {
	cfg := NewConfig()
	require.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.toml")))
	require.ErrorIs(t, cfg.LoadFile(writeFile(t, "miner.ini", "workers=1")), ErrUnknownFileFormat)
	require.Error(t, cfg.LoadFile(writeFile(t, "bad.toml", "workers = [")))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvRPCUser, "bob")
	t.Setenv(EnvRPCPassword, "secret")
	t.Setenv(EnvFeedURL, "ws://feed.local/inv")
	t.Setenv(EnvLogLevel, "debug")

	cfg := NewConfig()
	cfg.RPCUser = "from-file"
	cfg.ApplyEnv()
	require.Equal(t, "bob", cfg.RPCUser)
	require.Equal(t, "secret", cfg.RPCPassword)
	require.Equal(t, "ws://feed.local/inv", cfg.FeedURL)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "http://127.0.0.1:8332", cfg.RPCURL)
}

func TestGetTargetDescription(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxAttempts = 10
	require.Equal(t, "zeros:4, at most 10 attempts", cfg.GetTargetDescription())
	cfg.Difficulty = "nope"
	require.Equal(t, "invalid: nope", cfg.GetTargetDescription())
}
