package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/fencectl/internal/auth"
	"github.com/danmuck/fencectl/internal/coordinator"
	"github.com/danmuck/fencectl/internal/protocol/session"
)

// coordinatorctl config.toml key mapping to runtime settings.
type fileConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	CoordinatorID       string `toml:"coordinator_id"`
	LeaderSession       string `toml:"leader_session"`
	MetricsAddr         string `toml:"metrics_addr"`
	HealthHistory       int    `toml:"health_history"`
	RequireIdentityBind bool   `toml:"require_identity_binding"`
	SessionIdleTimeout  string `toml:"session_idle_timeout"`
	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSMutual    bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
	SessionTLSCAFile    string `toml:"session_tls_ca_file"`

	SessionAuthSecret  string            `toml:"session_auth_secret"`
	SessionAuthSenders map[string]string `toml:"session_auth_senders"`
}

type runtimeConfig struct {
	CoordinatorID string
	// LeaderSession is empty when this instance should start a fresh term.
	LeaderSession string
	MetricsAddr   string
	HealthHistory int
	Service       coordinator.ServiceConfig
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		CoordinatorID: "coordinator.local",
		Service:       coordinator.DefaultServiceConfig(),
	}
}

// coordinatorctl loader for TOML config with default overlay.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load coordinator config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("coordinator_id") {
		cfg.CoordinatorID = strings.TrimSpace(raw.CoordinatorID)
	}
	if meta.IsDefined("leader_session") {
		cfg.LeaderSession = strings.TrimSpace(raw.LeaderSession)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("health_history") {
		cfg.HealthHistory = raw.HealthHistory
	}
	if meta.IsDefined("require_identity_binding") {
		cfg.Service.RequireIdentityBinding = raw.RequireIdentityBind
	}
	if meta.IsDefined("session_idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SessionIdleTimeout))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("load coordinator config: session_idle_timeout: %w", err)
		}
		cfg.Service.Session.IdleTimeout = d
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Service.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Service.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Service.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Service.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Service.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Service.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	// Per-sender secrets win over the shared one when both are set.
	switch {
	case len(raw.SessionAuthSenders) > 0:
		senders := make(auth.PerSender, len(raw.SessionAuthSenders))
		for id, secret := range raw.SessionAuthSenders {
			senders[strings.TrimSpace(id)] = secret
		}
		cfg.Service.Auth = senders
	case strings.TrimSpace(raw.SessionAuthSecret) != "":
		cfg.Service.Auth = auth.SharedSecret{Secret: strings.TrimSpace(raw.SessionAuthSecret)}
	}

	if cfg.CoordinatorID == "" {
		return runtimeConfig{}, fmt.Errorf("load coordinator config: coordinator_id must not be empty")
	}
	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	if err := cfg.Service.Session.ValidateServerTransport(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load coordinator config: %w", err)
	}
	return cfg, nil
}
