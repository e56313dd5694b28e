// Package bus forwards workflow lifecycle events to NATS.
package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/stepflow/core/infra/logging"
)

const (
	envUseJetStream = "STEPFLOW_NATS_JETSTREAM"
	envJSMaxAge     = "STEPFLOW_NATS_JS_MAX_AGE"

	envNATSTLSCA       = "STEPFLOW_NATS_TLS_CA"
	envNATSTLSCert     = "STEPFLOW_NATS_TLS_CERT"
	envNATSTLSKey      = "STEPFLOW_NATS_TLS_KEY"
	envNATSTLSInsecure = "STEPFLOW_NATS_TLS_INSECURE"

	defaultMaxAge = 7 * 24 * time.Hour
	streamEvents  = "STEPFLOW_EVENTS"

	component = "bus"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NatsBus is a thin publishing wrapper over a NATS connection. With
// JetStream enabled, events land in a stream and are deduplicated by
// message id.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

// NewNatsBus dials url. When STEPFLOW_NATS_JETSTREAM is set, the events
// stream for subjects under root is ensured.
func NewNatsBus(url, root string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("stepflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn(component, "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Info(component, "nats connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	if jetStreamEnabled() {
		b.initJetStream(root)
	}
	return b, nil
}

// Close drains pending publishes and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish sends data on subject. msgID deduplicates JetStream publishes and
// is ignored on core NATS.
func (b *NatsBus) Publish(subject string, data []byte, msgID string) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if b.jsEnabled {
		var opts []nats.PubOpt
		if msgID != "" {
			opts = append(opts, nats.MsgId(msgID))
		}
		_, err := b.js.Publish(subject, data, opts...)
		return err
	}
	return b.nc.Publish(subject, data)
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func jetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func maxAgeFromEnv() time.Duration {
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultMaxAge
}

// initJetStream falls back to core NATS when the server has no JetStream.
func (b *NatsBus) initJetStream(root string) {
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn(component, "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn(component, "jetstream not available", "error", err)
		return
	}
	maxAge := maxAgeFromEnv()
	subjects := []string{root + ".>"}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn(component, "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info(component, "jetstream enabled", "stream", streamEvents, "subjects", subjects, "max_age", maxAge)
}

// natsTLSConfigFromEnv returns nil when no STEPFLOW_NATS_TLS_* variable is set.
func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := strings.EqualFold(strings.TrimSpace(os.Getenv(envNATSTLSInsecure)), "true")
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read nats tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse nats tls ca %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
