package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// SecretEnv overrides the file secret so it can stay out of config files.
const SecretEnv = "SPINE_SECRET"

var (
	ErrMissingSecret = errors.New("config: secret is required (set secret or " + SecretEnv + ")")
	ErrMissingRoot   = errors.New("config: root_addr is required")
)

// Node is the runtime configuration of one spine process.
type Node struct {
	ProcessID string
	// ListenAddr empty means RootAddr for a root, an ephemeral loopback
	// port otherwise.
	ListenAddr    string
	AdvertiseAddr string
	RootAddr      string
	IsRoot        bool
	Secret        string

	QueryTimeout       time.Duration
	RemoteQueryTimeout time.Duration
	ReconnectInterval  time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	QueueSize          int

	AdminListenAddr  string
	AdminCorsOrigins []string
	AdminToken       string
}

// Default returns runtime defaults. ProcessID is unique per call.
func Default() Node {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "spine"
	}
	return Node{
		ProcessID:          host + "-" + uuid.NewString()[:8],
		RootAddr:           "127.0.0.1:9500",
		QueryTimeout:       5 * time.Second,
		RemoteQueryTimeout: 5 * time.Second,
		ReconnectInterval:  time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       15 * time.Second,
		QueueSize:          4096,
	}
}

// Load reads path over Default. Only keys present in the file replace
// defaults; SPINE_SECRET wins over the file.
func Load(path string) (Node, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Node{}, fmt.Errorf("load spine config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Node{}, fmt.Errorf("load spine config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("process_id") {
		cfg.ProcessID = strings.TrimSpace(raw.ProcessID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("root_addr") {
		cfg.RootAddr = strings.TrimSpace(raw.RootAddr)
	}
	if meta.IsDefined("is_root") {
		cfg.IsRoot = raw.IsRoot
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCorsOrigins = raw.AdminCorsOrigins
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"query_timeout", raw.QueryTimeout, &cfg.QueryTimeout},
		{"remote_query_timeout", raw.RemoteQueryTimeout, &cfg.RemoteQueryTimeout},
		{"reconnect_interval", raw.ReconnectInterval, &cfg.ReconnectInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Node{}, fmt.Errorf("load spine config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if secret := os.Getenv(SecretEnv); strings.TrimSpace(secret) != "" {
		cfg.Secret = secret
	}
	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

func (n Node) Validate() error {
	if strings.TrimSpace(n.ProcessID) == "" {
		return fmt.Errorf("config: process_id is required")
	}
	if strings.TrimSpace(n.Secret) == "" {
		return ErrMissingSecret
	}
	if n.IsRoot {
		if strings.TrimSpace(n.ListenAddr) == "" && strings.TrimSpace(n.RootAddr) == "" {
			return fmt.Errorf("config: root needs listen_addr or root_addr")
		}
	} else if strings.TrimSpace(n.RootAddr) == "" {
		return ErrMissingRoot
	}
	for name, d := range map[string]time.Duration{
		"query_timeout":        n.QueryTimeout,
		"remote_query_timeout": n.RemoteQueryTimeout,
		"reconnect_interval":   n.ReconnectInterval,
		"handshake_timeout":    n.HandshakeTimeout,
		"write_timeout":        n.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if n.QueueSize < 0 {
		return fmt.Errorf("config: queue_size must be >= 0")
	}
	return nil
}
