package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/fencectl/internal/protocol/session"
)

// rmctl config.toml key mapping to client settings.
type fileConfig struct {
	CoordinatorAddr     string `toml:"coordinator_addr"`
	SenderID            string `toml:"sender_id"`
	LeaderSession       string `toml:"leader_session"`
	SessionAckTimeout   string `toml:"session_ack_timeout"`
	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSMutual    bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
	SessionTLSCAFile    string `toml:"session_tls_ca_file"`
	SessionTLSServer    string `toml:"session_tls_server_name"`
	SessionSecret       string `toml:"session_secret"`
}

type clientSettings struct {
	CoordinatorAddr string
	SenderID        string
	LeaderSession   string
	Secret          string
	Session         session.Config
}

func defaultClientSettings() clientSettings {
	return clientSettings{
		CoordinatorAddr: "127.0.0.1:9400",
		SenderID:        "resourcemanager.local",
		Session:         session.DefaultConfig(),
	}
}

func loadClientSettings(path string) (clientSettings, error) {
	cfg := defaultClientSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientSettings{}, fmt.Errorf("load rmctl config: %w", err)
	}
	if meta.IsDefined("coordinator_addr") {
		cfg.CoordinatorAddr = strings.TrimSpace(raw.CoordinatorAddr)
	}
	if meta.IsDefined("sender_id") {
		cfg.SenderID = strings.TrimSpace(raw.SenderID)
	}
	if meta.IsDefined("leader_session") {
		cfg.LeaderSession = strings.TrimSpace(raw.LeaderSession)
	}
	if meta.IsDefined("session_secret") {
		cfg.Secret = strings.TrimSpace(raw.SessionSecret)
	}
	if meta.IsDefined("session_ack_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SessionAckTimeout))
		if err != nil {
			return clientSettings{}, fmt.Errorf("load rmctl config: session_ack_timeout: %w", err)
		}
		cfg.Session.AckTimeout = d
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServer)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return clientSettings{}, fmt.Errorf("load rmctl config: %w", err)
	}
	return cfg, nil
}
