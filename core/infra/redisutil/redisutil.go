// Package redisutil builds Redis clients for the Redis-backed stores.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "STEPFLOW_REDIS_TLS_CA"
	envTLSCert       = "STEPFLOW_REDIS_TLS_CERT"
	envTLSKey        = "STEPFLOW_REDIS_TLS_KEY"
	envTLSInsecure   = "STEPFLOW_REDIS_TLS_INSECURE"
	envTLSServerName = "STEPFLOW_REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "STEPFLOW_REDIS_CLUSTER_ADDRESSES"

	// DefaultURL is used when no URL is configured.
	DefaultURL = "redis://localhost:6379"

	pingTimeout = 2 * time.Second
)

// TLSSettings are the TLS knobs read from the environment.
type TLSSettings struct {
	CAPath     string
	CertPath   string
	KeyPath    string
	ServerName string
	Insecure   bool
}

// TLSFromEnv reads TLS settings from STEPFLOW_REDIS_TLS_* variables.
func TLSFromEnv() TLSSettings {
	return TLSSettings{
		CAPath:     strings.TrimSpace(os.Getenv(envTLSCA)),
		CertPath:   strings.TrimSpace(os.Getenv(envTLSCert)),
		KeyPath:    strings.TrimSpace(os.Getenv(envTLSKey)),
		ServerName: strings.TrimSpace(os.Getenv(envTLSServerName)),
		Insecure:   parseBool(os.Getenv(envTLSInsecure)),
	}
}

func (s TLSSettings) empty() bool {
	return s.CAPath == "" && s.CertPath == "" && s.KeyPath == "" && s.ServerName == "" && !s.Insecure
}

// Apply layers the settings over base. It returns base unchanged when no
// setting is present.
func (s TLSSettings) Apply(base *tls.Config) (*tls.Config, error) {
	if s.empty() {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || s.Insecure

	if s.CAPath != "" {
		pem, err := os.ReadFile(s.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse redis tls ca %s", s.CAPath)
		}
		cfg.RootCAs = pool
	}
	if s.CertPath != "" || s.KeyPath != "" {
		if s.CertPath == "" || s.KeyPath == "" {
			return nil, fmt.Errorf("redis tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the
// environment.
func ParseOptions(url string) (*redis.Options, error) {
	if url == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsCfg, err := TLSFromEnv().Apply(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsCfg
	return opts, nil
}

// NewClient creates a universal client. STEPFLOW_REDIS_CLUSTER_ADDRESSES
// switches it to cluster mode.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect creates a client and verifies it with a PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitAddrs(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
