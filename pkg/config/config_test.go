package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, register func(*pflag.FlagSet), args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	register(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	Init(v)
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestServerDefaults(t *testing.T) {
	cfg, err := ServerFromViper(newViper(t, ServerFlags))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.RaftAddr)
	assert.Equal(t, ":9000", cfg.GRPCAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.ReapInterval)
	assert.False(t, cfg.Bootstrap)
}

func TestServerEnvOverridesDefault(t *testing.T) {
	t.Setenv("TURNSTILE_GRPC_ADDR", ":9100")
	t.Setenv("TURNSTILE_BOOTSTRAP", "true")
	t.Setenv("TURNSTILE_NODE_ID", "6f1c1b2e-3d4a-4c5b-9e8f-7a6b5c4d3e2f")

	cfg, err := ServerFromViper(newViper(t, ServerFlags))
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.GRPCAddr)
	assert.True(t, cfg.Bootstrap)
	assert.Equal(t, "6f1c1b2e-3d4a-4c5b-9e8f-7a6b5c4d3e2f", cfg.NodeID.String())
}

func TestServerFlagBeatsEnv(t *testing.T) {
	t.Setenv("TURNSTILE_GRPC_ADDR", ":9100")

	cfg, err := ServerFromViper(newViper(t, ServerFlags, "--grpc-addr", ":9200"))
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.GRPCAddr)
}

func TestServerValidation(t *testing.T) {
	_, err := ServerFromViper(newViper(t, ServerFlags, "--node-id", "nope"))
	assert.ErrorContains(t, err, "invalid node id")

	_, err = ServerFromViper(newViper(t, ServerFlags, "--bootstrap", "--join", "127.0.0.1:9000"))
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = ServerFromViper(newViper(t, ServerFlags, "--in-memory", "--data-dir", "", "--raft-addr", ""))
	assert.NoError(t, err)
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientFromViper(newViper(t, ClientFlags, "--backend", "etcd", "--endpoints", "a:2379, b:2379"))
	require.NoError(t, err)
	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Endpoints)
	assert.Equal(t, "lock-", cfg.LockName)
	assert.Equal(t, 1, cfg.MaxLeases)

	_, err = ClientFromViper(newViper(t, ClientFlags, "--backend", "consul"))
	assert.ErrorContains(t, err, "unknown backend")

	_, err = ClientFromViper(newViper(t, ClientFlags, "--endpoints", "a:9000,b:9000"))
	assert.ErrorContains(t, err, "single endpoint")

	_, err = ClientFromViper(newViper(t, ClientFlags, "--max-leases", "0", "--lock-name", ""))
	assert.ErrorContains(t, err, "max-leases")
	assert.ErrorContains(t, err, "lock-name")
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TURNSTILE_HTTP_ADDR=:8181\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("TURNSTILE_HTTP_ADDR")
	})

	cfg, err := ServerFromViper(newViper(t, ServerFlags))
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.HTTPAddr)
}
