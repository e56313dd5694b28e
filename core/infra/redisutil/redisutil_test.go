package redisutil

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSFromEnv(t *testing.T) {
	t.Setenv(envTLSCA, " /etc/stepflow/ca.pem ")
	t.Setenv(envTLSServerName, "redis.stepflow.local")
	t.Setenv(envTLSInsecure, "on")
	got := TLSFromEnv()
	assert.Equal(t, TLSSettings{
		CAPath:     "/etc/stepflow/ca.pem",
		ServerName: "redis.stepflow.local",
		Insecure:   true,
	}, got)

	for raw, want := range map[string]bool{"1": true, "Yes": true, "y": true, "off": false, "": false, "enabled": false} {
		t.Setenv(envTLSInsecure, raw)
		assert.Equal(t, want, TLSFromEnv().Insecure, "insecure=%q", raw)
	}
}

func TestApplyWithoutSettingsKeepsBase(t *testing.T) {
	cfg, err := TLSSettings{}.Apply(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	base := &tls.Config{ServerName: "cache"}
	cfg, err = TLSSettings{}.Apply(base)
	require.NoError(t, err)
	assert.Same(t, base, cfg)
}

func TestApplyLayersOverClone(t *testing.T) {
	base := &tls.Config{ServerName: "cache", MinVersion: tls.VersionTLS13}
	cfg, err := TLSSettings{ServerName: "redis.stepflow.local", Insecure: true}.Apply(base)
	require.NoError(t, err)
	assert.NotSame(t, base, cfg)
	assert.Equal(t, "redis.stepflow.local", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, "cache", base.ServerName, "base is left untouched")
	assert.False(t, base.InsecureSkipVerify)

	fresh, err := TLSSettings{ServerName: "redis.stepflow.local"}.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), fresh.MinVersion)
}

func TestApplyErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	cases := []struct {
		name     string
		settings TLSSettings
		want     string
	}{
		{"cert without key", TLSSettings{CertPath: garbage}, "must be set together"},
		{"key without cert", TLSSettings{KeyPath: garbage}, "must be set together"},
		{"missing ca", TLSSettings{CAPath: filepath.Join(t.TempDir(), "absent.pem")}, "read redis tls ca"},
		{"unparsable ca", TLSSettings{CAPath: garbage}, "parse redis tls ca"},
		{"bad keypair", TLSSettings{CertPath: garbage, KeyPath: garbage}, "load redis tls keypair"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.settings.Apply(nil)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Nil(t, opts.TLSConfig)

	opts, err = ParseOptions("rediss://:pw@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "pw", opts.Password)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)

	t.Setenv(envTLSServerName, "redis.stepflow.local")
	opts, err = ParseOptions("rediss://cache.internal:6380")
	require.NoError(t, err)
	assert.Equal(t, "redis.stepflow.local", opts.TLSConfig.ServerName)

	_, err = ParseOptions("http://cache.internal")
	require.ErrorContains(t, err, "parse redis url")
}

func TestNewClientClusterMode(t *testing.T) {
	single, err := NewClient("redis://localhost:6379")
	require.NoError(t, err)
	defer single.Close()
	assert.IsType(t, &redis.Client{}, single)

	t.Setenv(envClusterAddrs, "node-a:7000, node-b:7001\nnode-c:7002")
	cluster, err := NewClient("redis://localhost:6379")
	require.NoError(t, err)
	defer cluster.Close()
	assert.IsType(t, &redis.ClusterClient{}, cluster)
	assert.Equal(t, []string{"node-a:7000", "node-b:7001", "node-c:7002"}, splitAddrs(os.Getenv(envClusterAddrs)))
}

func TestConnect(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	srv.RequireAuth("s3cret")
	ctx := context.Background()

	_, err = Connect(ctx, "redis://:wrong@"+srv.Addr())
	require.ErrorContains(t, err, "connect redis")

	client, err := Connect(ctx, "redis://:s3cret@"+srv.Addr())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(ctx, "sf:ping", "ok", 0).Err())
	got, err := srv.Get("sf:ping")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	addr := srv.Addr()
	srv.Close()
	_, err = Connect(ctx, "redis://:s3cret@"+addr)
	require.Error(t, err)
}
