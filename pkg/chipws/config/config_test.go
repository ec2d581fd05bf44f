package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
	"github.com/tsarna/chipws/pkg/chipws/server"
)

func build(t *testing.T, src string) (*Config, error) {
	t.Helper()
	cfg, diags := NewConfig().WithLogger(zap.NewNop()).WithSources([]byte(src)).Build()
	if diags.HasErrors() {
		return nil, diags
	}
	return cfg, nil
}

func TestServerBlock(t *testing.T) {
	cfg, err := build(t, `
server "main" {
    listen = "127.0.0.1:5580"
    ping_interval = "PT45S"
    write_timeout = 5
    read_limit = 65536
    rate_limit = 20
    rate_burst = 40
    origin_patterns = ["*.example.com"]
    server_version = 3
    max_schema_version = 2
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	sc := cfg.Servers[0]
	assert.Equal(t, "main", sc.Name)
	assert.Equal(t, "127.0.0.1:5580", sc.Listen)
	assert.Equal(t, DefaultRoute, sc.Path)
	require.NotNil(t, sc.PingInterval)
	assert.Equal(t, 45*time.Second, *sc.PingInterval)
	require.NotNil(t, sc.WriteTimeout)
	assert.Equal(t, 5*time.Second, *sc.WriteTimeout)
	assert.EqualValues(t, 65536, sc.ReadLimit)
	assert.Equal(t, 20.0, sc.RateLimit)
	assert.Equal(t, 40, sc.RateBurst)
	assert.Equal(t, []string{"*.example.com"}, sc.OriginPatterns)
	assert.Equal(t, protocol.Handshake{
		DriverVersion:    0,
		ServerVersion:    3,
		MinSchemaVersion: 1,
		MaxSchemaVersion: 2,
	}, sc.Handshake)
	assert.NotNil(t, sc.Middleware())

	assert.Nil(t, cfg.Storage)
	assert.Nil(t, cfg.Metrics)
	assert.Nil(t, cfg.Controller)
}

func TestServerBlockDefaults(t *testing.T) {
	cfg, err := build(t, `
server "main" {
    listen = ":8080"
    path = "/ws"
}
server "off" {
    listen = ":8081"
    disabled = true
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	sc := cfg.Servers[0]
	assert.Equal(t, "/ws", sc.Path)
	assert.Nil(t, sc.PingInterval)
	assert.Nil(t, sc.WriteTimeout)
	assert.Zero(t, sc.ReadLimit)
	assert.Equal(t, protocol.DefaultHandshake(), sc.Handshake)
	assert.Nil(t, sc.Middleware())
}

func TestServerAllowCommands(t *testing.T) {
	cfg, err := build(t, `
server "main" {
    listen = ":8080"
    allow_commands = ["device_controller.+"]
}
`)
	require.NoError(t, err)

	sc := cfg.Servers[0]
	assert.Equal(t, []string{"device_controller.+"}, sc.AllowCommands)
	require.NotNil(t, sc.Middleware())

	invoker := sc.Middleware()(func(context.Context, *dispatch.Call) (any, error) {
		return "ok", nil
	})

	v, err := invoker(context.Background(), &dispatch.Call{Command: "device_controller.Echo"})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = invoker(context.Background(), &dispatch.Call{Command: "other.Echo"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidCommand)
}

func TestServerConfigApply(t *testing.T) {
	cfg, err := build(t, `
server "main" {
    listen = ":8080"
    ping_interval = 0
    read_limit = 1024
}
`)
	require.NoError(t, err)

	router, err := dispatch.NewRouter().Build()
	require.NoError(t, err)

	lc := cfg.Servers[0].Apply(server.NewListenerConfig()).
		WithRouter(router).
		WithLogger(zap.NewNop())
	listener, err := lc.Build()
	require.NoError(t, err)
	assert.Equal(t, 0, listener.ConnectionCount())
}

func TestOtherBlocks(t *testing.T) {
	cfg, err := build(t, `
storage {
    path = "/var/lib/chipws/chipws.db"
    lock_timeout = "2s"
}
metrics {
    listen = ":9090"
}
controller {
    commission_delay = "100ms"
    pool_size = 8
}
`)
	require.NoError(t, err)

	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "/var/lib/chipws/chipws.db", cfg.Storage.Path)
	require.NotNil(t, cfg.Storage.LockTimeout)
	assert.Equal(t, 2*time.Second, *cfg.Storage.LockTimeout)

	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "chipws", cfg.Metrics.Namespace)

	require.NotNil(t, cfg.Controller)
	require.NotNil(t, cfg.Controller.CommissionDelay)
	assert.Equal(t, 100*time.Millisecond, *cfg.Controller.CommissionDelay)
	assert.Equal(t, 8, cfg.Controller.PoolSize)
}

func TestEnvironmentInExpressions(t *testing.T) {
	t.Setenv("CHIP_WS_SERVER_PORT", "5580")

	cfg, err := build(t, `
server "main" {
    listen = "${lookup(env, "CHIP_WS_SERVER_HOST_UNSET_FOR_TEST", "0.0.0.0")}:${env.CHIP_WS_SERVER_PORT}"
    read_limit = tonumber(env.CHIP_WS_SERVER_PORT) * 2
}
`)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5580", cfg.Servers[0].Listen)
	assert.EqualValues(t, 11160, cfg.Servers[0].ReadLimit)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			name: "unknown block",
			src:  `bus "main" {}`,
		},
		{
			name: "top-level attribute",
			src:  `listen = ":8080"`,
		},
		{
			name: "missing listen",
			src:  `server "main" {}`,
		},
		{
			name: "duplicate server",
			src: `
server "main" { listen = ":1" }
server "main" { listen = ":2" }`,
		},
		{
			name: "duplicate storage",
			src: `
storage { path = "a.db" }
storage { path = "b.db" }`,
		},
		{
			name: "negative duration",
			src: `
server "main" {
    listen = ":1"
    ping_interval = -1
}`,
		},
		{
			name: "bad duration",
			src: `
server "main" {
    listen = ":1"
    write_timeout = "soon"
}`,
		},
		{
			name: "bad read limit",
			src: `
server "main" {
    listen = ":1"
    read_limit = 0
}`,
		},
		{
			name: "schema range",
			src: `
server "main" {
    listen = ":1"
    min_schema_version = 3
}`,
		},
		{
			name: "bad command pattern",
			src: `
server "main" {
    listen = ":1"
    allow_commands = ["#.Echo"]
}`,
		},
		{
			name: "bad pool size",
			src:  `controller { pool_size = 0 }`,
		},
		{
			name: "syntax error",
			src:  `server "main" {`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := build(t, tt.src)
			assert.Error(t, err)
		})
	}
}

func TestParseDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.chipws"),
		[]byte(`server "main" { listen = ":8080" }`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf.d", "storage.chipws"),
		[]byte(`storage { path = "x.db" }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"),
		[]byte(`not hcl`), 0o644))

	cfg, diags := NewConfig().WithSources(dir).Build()
	require.False(t, diags.HasErrors(), diags.Error())
	assert.Len(t, cfg.Servers, 1)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "x.db", cfg.Storage.Path)
}

func TestParseMissingFile(t *testing.T) {
	_, diags := NewConfig().WithSources(filepath.Join(t.TempDir(), "missing.chipws")).Build()
	assert.True(t, diags.HasErrors())

	_, diags = NewConfig().WithSources(42).Build()
	assert.True(t, diags.HasErrors())
}
