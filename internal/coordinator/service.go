package coordinator

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/auth"
	"github.com/danmuck/fencectl/internal/observability"
	"github.com/danmuck/fencectl/internal/protocol/frame"
	"github.com/danmuck/fencectl/internal/protocol/schema"
	"github.com/danmuck/fencectl/internal/protocol/session"
)

// Hello rejection codes.
const (
	CodeInvalidHello         uint32 = 1001
	CodeIdentityMismatch     uint32 = 1002
	CodeDeclaredPeerMismatch uint32 = 1003
	CodeUnauthorized         uint32 = 1004
)

// ServiceConfig configures the sender-facing session endpoint.
type ServiceConfig struct {
	ListenAddr             string
	RequireIdentityBinding bool
	// Auth, when set, must admit the hello sender before the session opens.
	Auth    auth.Validator
	Session session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":9400",
		Session:    session.DefaultConfig(),
	}
}

// ConnectedSender is the observed state of one resource-manager sender
// across its sessions. RemoteAddr and ConnectedAt describe the newest one.
type ConnectedSender struct {
	SenderID      string
	RemoteAddr    string
	ConnectedAt   time.Time
	LastFrameAt   time.Time
	Notifications uint64
	// Sessions counts open sessions; a sender may reconnect before its old
	// session is torn down.
	Sessions  int
	Connected bool
}

type peerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Service accepts resource-manager sessions and feeds their notifications
// to a Coordinator.
type Service struct {
	cfg   ServiceConfig
	coord *Coordinator
	clock clock.Clock

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sendersMu sync.RWMutex
	senders   map[string]ConnectedSender

	clientCount atomic.Int64
}

// NewService binds coord to a session endpoint. clk nil means wall clock;
// it stamps acks and sender bookkeeping only.
func NewService(cfg ServiceConfig, coord *Coordinator, clk clock.Clock) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if clk == nil {
		clk = clock.WallClock
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:     cfg,
		coord:   coord,
		clock:   clk,
		conns:   make(map[net.Conn]struct{}),
		senders: make(map[string]ConnectedSender),
	}
}

func (s *Service) Coordinator() *Coordinator {
	return s.coord
}

// Run listens on cfg.ListenAddr and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("coordinator_id", s.coord.ID()).
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("coordinator.Service listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the accept loop on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// SnapshotSenders lists known sender sessions ordered by sender id.
func (s *Service) SnapshotSenders() []ConnectedSender {
	s.sendersMu.RLock()
	defer s.sendersMu.RUnlock()
	out := make([]ConnectedSender, 0, len(s.senders))
	for _, v := range s.senders {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SenderID < out[j].SenderID
	})
	return out
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("coordinator.session client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("coordinator.session client disconnected")
	}()
	reader := bufio.NewReader(conn)

	peer, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("coordinator.handleConn transport auth")
		return
	}

	hello, ack := s.handleHello(conn, reader, peer)
	if err := session.WriteHelloAck(conn, ack); err != nil {
		log.Error().Err(err).Str("remote", remote).Msg("coordinator.handleConn write hello.ack")
		return
	}
	if ack.Status != session.AckStatusAccepted {
		return
	}
	s.markConnected(hello.SenderID, remote)
	defer s.markDisconnected(hello.SenderID)
	log.Info().Str("sender_id", hello.SenderID).Str("remote", remote).Msg("coordinator.handleConn session open")

	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("coordinator.handleConn clear deadline")
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.IdleTimeout))
		fr, err := session.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("sender_id", hello.SenderID).Msg("coordinator.handleConn read frame")
			}
			return
		}
		observability.RecordFrame(s.coord.ID(), schema.Name(fr.Header.MessageType))

		n, err := session.DecodeNotificationFrame(fr)
		if err != nil {
			log.Warn().
				Err(err).
				Str("sender_id", hello.SenderID).
				Uint64("message_id", fr.Header.MessageID).
				Str("message_type", schema.Name(fr.Header.MessageType)).
				Msg("coordinator.handleConn decode")
			return
		}
		decision, err := s.coord.Deliver(n.Message)
		if err != nil {
			log.Error().Err(err).Str("sender_id", hello.SenderID).Msg("coordinator.handleConn deliver")
			return
		}
		log.Debug().
			Str("sender_id", hello.SenderID).
			Uint64("message_id", n.MessageID).
			Str("kind", string(n.Message.Kind())).
			Str("decision", string(decision)).
			Msg("coordinator.handleConn delivered")
		s.markFrame(hello.SenderID)

		ackPayload, err := session.EncodeDeliveryAckFrame(session.DeliveryAck{
			MessageID:   fr.Header.MessageID,
			Status:      session.AckStatusReceived,
			TimestampMS: uint64(s.clock.Now().UnixMilli()),
		})
		if err != nil {
			log.Error().Err(err).Msg("coordinator.handleConn encode delivery.ack")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if _, err := conn.Write(ackPayload); err != nil {
			log.Warn().Err(err).Str("sender_id", hello.SenderID).Msg("coordinator.handleConn write delivery.ack")
			return
		}
	}
}

func (s *Service) handleHello(conn net.Conn, reader *bufio.Reader, peer peerAuth) (session.Hello, session.HelloAck) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reject := func(hello session.Hello, code uint32, message string) (session.Hello, session.HelloAck) {
		return hello, session.HelloAck{
			Status:        session.AckStatusRejected,
			Code:          code,
			Message:       message,
			CoordinatorID: s.coord.ID(),
			TimestampMS:   uint64(s.clock.Now().UnixMilli()),
		}
	}

	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Msg("coordinator.handleHello read")
		return reject(session.Hello{}, CodeInvalidHello, "invalid hello payload")
	}

	if s.cfg.RequireIdentityBinding {
		if peer.Authenticated {
			if peer.PeerIdentity != hello.SenderID {
				log.Warn().
					Str("sender_id", hello.SenderID).
					Str("peer_identity", peer.PeerIdentity).
					Msg("coordinator.handleHello tls identity mismatch")
				return reject(hello, CodeIdentityMismatch, "identity binding failure")
			}
			if declared := strings.TrimSpace(hello.PeerIdentity); declared != "" && declared != peer.PeerIdentity {
				log.Warn().
					Str("sender_id", hello.SenderID).
					Str("declared_peer", declared).
					Str("tls_peer", peer.PeerIdentity).
					Msg("coordinator.handleHello declared peer mismatch")
				return reject(hello, CodeDeclaredPeerMismatch, "declared peer mismatch")
			}
		} else if hello.PeerIdentity != hello.SenderID {
			log.Warn().
				Str("sender_id", hello.SenderID).
				Str("peer_identity", hello.PeerIdentity).
				Msg("coordinator.handleHello identity bind mismatch")
			return reject(hello, CodeIdentityMismatch, "identity binding failure")
		}
	}

	if s.cfg.Auth != nil {
		if err := s.cfg.Auth.Validate(hello.SenderID, hello.Secret); err != nil {
			log.Warn().Err(err).Str("sender_id", hello.SenderID).Msg("coordinator.handleHello unauthorized")
			return reject(hello, CodeUnauthorized, "unauthorized")
		}
	}

	return hello, session.HelloAck{
		Status:        session.AckStatusAccepted,
		Message:       "session open",
		CoordinatorID: s.coord.ID(),
		TimestampMS:   uint64(s.clock.Now().UnixMilli()),
	}
}

func (s *Service) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, fmt.Errorf("coordinator: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	peerID := peerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return peerAuth{}, fmt.Errorf("coordinator: empty peer identity from certificate")
	}
	return peerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

// CN, then first URI SAN, then first DNS SAN.
func peerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) markConnected(senderID, remote string) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	cur := s.senders[senderID]
	cur.SenderID = senderID
	cur.RemoteAddr = remote
	cur.ConnectedAt = s.clock.Now()
	cur.Sessions++
	cur.Connected = true
	s.senders[senderID] = cur
}

func (s *Service) markFrame(senderID string) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	cur := s.senders[senderID]
	cur.LastFrameAt = s.clock.Now()
	cur.Notifications++
	s.senders[senderID] = cur
}

func (s *Service) markDisconnected(senderID string) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	if cur, ok := s.senders[senderID]; ok && cur.Sessions > 0 {
		cur.Sessions--
		cur.Connected = cur.Sessions > 0
		s.senders[senderID] = cur
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
