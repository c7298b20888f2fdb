package config

import (
	"github.com/danmuck/spine/internal/admin"
	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/mesh"
	"github.com/danmuck/spine/internal/protocol/session"
)

// fileConfig is the TOML key mapping. Durations are Go duration strings.
type fileConfig struct {
	ProcessID          string   `toml:"process_id"`
	ListenAddr         string   `toml:"listen_addr"`
	AdvertiseAddr      string   `toml:"advertise_addr,omitempty"`
	RootAddr           string   `toml:"root_addr"`
	IsRoot             bool     `toml:"is_root"`
	Secret             string   `toml:"secret"`
	QueryTimeout       string   `toml:"query_timeout"`
	RemoteQueryTimeout string   `toml:"remote_query_timeout"`
	ReconnectInterval  string   `toml:"reconnect_interval"`
	HandshakeTimeout   string   `toml:"handshake_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	QueueSize          int      `toml:"queue_size"`
	AdminListenAddr    string   `toml:"admin_listen_addr,omitempty"`
	AdminCorsOrigins   []string `toml:"admin_cors_origins,omitempty"`
	AdminToken         string   `toml:"admin_token,omitempty"`
}

func toFile(n Node) fileConfig {
	return fileConfig{
		ProcessID:          n.ProcessID,
		ListenAddr:         n.ListenAddr,
		AdvertiseAddr:      n.AdvertiseAddr,
		RootAddr:           n.RootAddr,
		IsRoot:             n.IsRoot,
		Secret:             n.Secret,
		QueryTimeout:       n.QueryTimeout.String(),
		RemoteQueryTimeout: n.RemoteQueryTimeout.String(),
		ReconnectInterval:  n.ReconnectInterval.String(),
		HandshakeTimeout:   n.HandshakeTimeout.String(),
		WriteTimeout:       n.WriteTimeout.String(),
		QueueSize:          n.QueueSize,
		AdminListenAddr:    n.AdminListenAddr,
		AdminCorsOrigins:   n.AdminCorsOrigins,
		AdminToken:         n.AdminToken,
	}
}

// Admin maps the node config onto admin HTTP options.
func (n Node) Admin() admin.Options {
	return admin.Options{
		CorsOrigins: n.AdminCorsOrigins,
		Token:       n.AdminToken,
	}
}

// Bus maps the node config onto local bus settings.
func (n Node) Bus() bus.Config {
	return bus.Config{
		QueryTimeout: n.QueryTimeout,
		QueueSize:    n.QueueSize,
	}
}

// Mesh maps the node config onto spine settings. The reconnect interval is a
// fixed delay.
func (n Node) Mesh() mesh.Config {
	cfg := mesh.DefaultConfig()
	cfg.ProcessID = n.ProcessID
	cfg.ListenAddr = n.ListenAddr
	cfg.AdvertiseAddr = n.AdvertiseAddr
	cfg.RootAddr = n.RootAddr
	cfg.IsRoot = n.IsRoot
	cfg.RemoteQueryTimeout = n.RemoteQueryTimeout
	cfg.Session.Secret = n.Secret
	cfg.Session.HandshakeTimeout = n.HandshakeTimeout
	cfg.Session.WriteTimeout = n.WriteTimeout
	cfg.Session.Backoff = session.BackoffConfig{
		InitialDelay: n.ReconnectInterval,
		Multiplier:   1.0,
		MaxDelay:     n.ReconnectInterval,
	}
	return cfg
}
