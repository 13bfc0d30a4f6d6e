package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func validateMode(mode SecurityMode) error {
	switch NormalizeSecurityMode(mode) {
	case SecurityModeDevelopment, SecurityModeProduction:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}
}

// Role selects which end of a session a Config is checked for.
type Role uint8

const (
	RoleSender Role = iota
	RoleCoordinator
)

func (c Config) ValidateClientTransport() error {
	return c.ValidateTransport(RoleSender)
}

func (c Config) ValidateServerTransport() error {
	return c.ValidateTransport(RoleCoordinator)
}

// ValidateTransport checks the TLS policy of c for role. Production mode
// requires mutual TLS at both ends.
func (c Config) ValidateTransport(role Role) error {
	if err := validateMode(c.SecurityMode); err != nil {
		return err
	}
	t := c.TLS
	if NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		switch {
		case !t.Enabled:
			return ErrTLSRequired
		case !t.Mutual:
			return ErrMTLSRequired
		case role == RoleSender && t.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if !t.Enabled {
		if t.Mutual {
			return ErrTLSRequired
		}
		return nil
	}
	for _, f := range requiredFiles(role, t) {
		if strings.TrimSpace(f.path) == "" {
			return f.err
		}
	}
	return nil
}

type requiredFile struct {
	path string
	err  error
}

// requiredFiles lists, in check order, the files role needs under t.
func requiredFiles(role Role, t TLSConfig) []requiredFile {
	cert := requiredFile{t.CertFile, ErrTLSCertFileRequired}
	key := requiredFile{t.KeyFile, ErrTLSKeyFileRequired}
	ca := requiredFile{t.CAFile, ErrTLSCAFileRequired}

	var out []requiredFile
	switch role {
	case RoleCoordinator:
		out = append(out, cert, key)
		if t.Mutual {
			out = append(out, ca)
		}
	default:
		if !t.InsecureSkipVerify {
			out = append(out, ca)
		}
		if t.Mutual {
			out = append(out, cert, key)
		}
	}
	return out
}

// ServerTLSConfig builds the listener TLS config from c.TLS.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if c.TLS.Mutual {
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLSConfig builds the dialer TLS config for addr from c.TLS.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
