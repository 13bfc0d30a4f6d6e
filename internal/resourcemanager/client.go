// Package resourcemanager is the sending side: it stamps resource
// notifications with the leader session it believes in and delivers them to
// the coordinator with at-least-once semantics.
package resourcemanager

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/messages"
	"github.com/danmuck/fencectl/internal/protocol/frame"
	"github.com/danmuck/fencectl/internal/protocol/session"
	"github.com/danmuck/fencectl/internal/resource"
)

var (
	ErrAddressRequired  = errors.New("resourcemanager: coordinator address required")
	ErrSenderIDRequired = errors.New("resourcemanager: sender_id required")
	ErrSourceRequired   = errors.New("resourcemanager: leader source required")
	ErrHelloRejected    = errors.New("resourcemanager: hello rejected")
	ErrAckTimeout       = errors.New("resourcemanager: delivery.ack timeout")
	ErrSessionClosed    = errors.New("resourcemanager: session closed")
)

type ClientConfig struct {
	Address      string
	SenderID     string
	PeerIdentity string
	// Secret is presented in hello when the coordinator requires auth.
	Secret string
	// Source supplies the token stamped on every notification. It is read
	// once per notification, at construction time.
	Source             leader.Source
	Session            session.Config
	MaxConnectAttempts int
	Clock              clock.Clock
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session: session.DefaultConfig(),
	}
}

type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.SenderID) == "" {
		return nil, ErrSenderIDRequired
	}
	if cfg.Source == nil {
		return nil, ErrSourceRequired
	}
	if strings.TrimSpace(cfg.PeerIdentity) == "" {
		cfg.PeerIdentity = cfg.SenderID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the coordinator and performs the hello handshake, retrying
// with backoff until MaxConnectAttempts (0 = unbounded) or ctx ends.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		conn, reader, ack, err := c.open(ctx)
		if err == nil {
			return c.newSession(conn, reader, ack), nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Address).Msg("resourcemanager.Client connect")
		if errors.Is(err, ErrHelloRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// open dials once and completes the hello handshake.
func (c *Client) open(ctx context.Context) (net.Conn, *bufio.Reader, session.HelloAck, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, session.HelloAck{}, err
	}
	reader, ack, err := c.hello(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, session.HelloAck{}, err
	}
	return conn, reader, ack, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	return sleep(ctx, c.cfg.Clock, session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng))
}

func sleep(ctx context.Context, clk clock.Clock, delay time.Duration) error {
	timer := clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (c *Client) hello(ctx context.Context, conn net.Conn) (*bufio.Reader, session.HelloAck, error) {
	_ = conn.SetDeadline(deadlineFor(ctx, c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	if err := session.WriteHello(conn, session.Hello{
		SenderID:     c.cfg.SenderID,
		PeerIdentity: c.cfg.PeerIdentity,
		Secret:       c.cfg.Secret,
	}); err != nil {
		return nil, session.HelloAck{}, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, session.HelloAck{}, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, session.HelloAck{}, fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().
		Str("sender_id", c.cfg.SenderID).
		Str("coordinator_id", ack.CoordinatorID).
		Msg("resourcemanager.Client session open")
	return reader, ack, nil
}

func (c *Client) newSession(conn net.Conn, reader *bufio.Reader, ack session.HelloAck) *Session {
	s := &Session{
		client:        c,
		cfg:           c.cfg.Session,
		senderID:      c.cfg.SenderID,
		source:        c.cfg.Source,
		clock:         c.cfg.Clock,
		outbox:        session.NewOutbox(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		conn:          conn,
		reader:        reader,
		coordinatorID: ack.CoordinatorID,
	}
	s.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return s
}

// Session is one logical sender session. Sends are serialized, which keeps
// per-sender ordering on the wire. When a send fails the stream is dropped
// and the next attempt redials, resending the same message_id.
type Session struct {
	client        *Client
	cfg           session.Config
	senderID      string
	source        leader.Source
	clock         clock.Clock
	outbox        *session.Outbox
	nextMessageID atomic.Uint64
	rng           *rand.Rand
	mu            sync.Mutex

	connMu        sync.Mutex
	conn          net.Conn
	reader        *bufio.Reader
	coordinatorID string
	reconnects    int
	closed        bool
}

func (s *Session) CoordinatorID() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.coordinatorID
}

// Reconnects counts streams opened after the first one.
func (s *Session) Reconnects() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.reconnects
}

// Close ends the session for good; later sends fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	return err
}

func (s *Session) OutboxSnapshot() []session.PendingNotification {
	return s.outbox.List()
}

// NotifyResourceRemoved reports id as gone. An empty message is sent as
// absent.
func (s *Session) NotifyResourceRemoved(ctx context.Context, id resource.ID, message string) (session.DeliveryAck, error) {
	token, _ := s.source.CurrentToken()
	var opts []messages.Option
	if message != "" {
		opts = append(opts, messages.WithMessage(message))
	}
	msg, err := messages.NewResourceRemoved(id, token, opts...)
	if err != nil {
		return session.DeliveryAck{}, err
	}
	return s.Send(ctx, msg)
}

// NotifyResourceRegistered reports id as live.
func (s *Session) NotifyResourceRegistered(ctx context.Context, id resource.ID) (session.DeliveryAck, error) {
	token, _ := s.source.CurrentToken()
	msg, err := messages.NewResourceRegistered(id, token)
	if err != nil {
		return session.DeliveryAck{}, err
	}
	return s.Send(ctx, msg)
}

// Send delivers one prebuilt notification, resending the same message_id
// until a delivery.ack arrives or AckTimeout elapses. A failed exchange
// leaves the stream in an unknown state, so it is closed and the next
// attempt redials.
func (s *Session) Send(ctx context.Context, msg messages.Message) (session.DeliveryAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return session.DeliveryAck{}, ErrSessionClosed
	}

	messageID := s.nextMessageID.Add(1)
	payload, err := session.EncodeNotificationFrame(messageID, s.senderID, msg)
	if err != nil {
		return session.DeliveryAck{}, err
	}

	start := s.clock.Now()
	deadline := start.Add(s.cfg.AckTimeout)
	pending := session.PendingNotification{
		MessageID:     messageID,
		Kind:          string(msg.Kind()),
		QueuedAt:      start,
		AckDeadlineAt: deadline,
	}
	if r, ok := msg.(interface{ ResourceID() resource.ID }); ok {
		pending.ResourceID = r.ResourceID().String()
	}
	s.outbox.Upsert(pending)

	attempts := 0
	for round := 1; ; round++ {
		conn, reader, err := s.stream(ctx, deadline)
		if err == nil {
			attempts++
			_, _ = s.outbox.MarkAttempt(messageID, s.clock.Now(), "")
			var ack session.DeliveryAck
			ack, err = s.sendOnce(ctx, conn, reader, messageID, payload)
			if err == nil {
				s.outbox.Remove(messageID)
				log.Debug().
					Uint64("message_id", messageID).
					Str("kind", string(msg.Kind())).
					Int("attempts", attempts).
					Msg("resourcemanager.Session delivered")
				return ack, nil
			}
			s.drop(conn)
		}
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrHelloRejected) {
			return session.DeliveryAck{}, err
		}
		if ctx.Err() != nil {
			return session.DeliveryAck{}, ctx.Err()
		}

		s.outbox.RecordError(messageID, err.Error())
		log.Warn().Err(err).Uint64("message_id", messageID).Int("round", round).Msg("resourcemanager.Session send")
		if !s.clock.Now().Before(deadline) {
			return session.DeliveryAck{}, fmt.Errorf("%w: %v", ErrAckTimeout, err)
		}
		if err := sleep(ctx, s.clock, session.NextBackoffDelay(s.cfg.Backoff, round, s.rng)); err != nil {
			return session.DeliveryAck{}, err
		}
	}
}

func (s *Session) isClosed() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closed
}

// stream returns the open connection, redialing once if the last one was
// dropped. The redial is bounded by the ack deadline.
func (s *Session) stream(ctx context.Context, deadline time.Time) (net.Conn, *bufio.Reader, error) {
	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	if s.conn != nil {
		conn, reader := s.conn, s.reader
		s.connMu.Unlock()
		return conn, reader, nil
	}
	s.connMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, deadline.Sub(s.clock.Now()))
	defer cancel()
	conn, reader, ack, err := s.client.open(dialCtx)
	if err != nil {
		return nil, nil, err
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		_ = conn.Close()
		return nil, nil, ErrSessionClosed
	}
	s.conn, s.reader, s.coordinatorID = conn, reader, ack.CoordinatorID
	s.reconnects++
	log.Info().
		Str("sender_id", s.senderID).
		Str("coordinator_id", ack.CoordinatorID).
		Int("reconnects", s.reconnects).
		Msg("resourcemanager.Session reconnected")
	return conn, reader, nil
}

// drop closes conn if it is still the session's current stream.
func (s *Session) drop(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != conn {
		return
	}
	_ = conn.Close()
	s.conn = nil
	s.reader = nil
}

func (s *Session) sendOnce(ctx context.Context, conn net.Conn, reader *bufio.Reader, messageID uint64, payload []byte) (session.DeliveryAck, error) {
	if err := conn.SetWriteDeadline(deadlineFor(ctx, s.cfg.WriteTimeout)); err != nil {
		return session.DeliveryAck{}, err
	}
	if _, err := conn.Write(payload); err != nil {
		return session.DeliveryAck{}, err
	}

	if err := conn.SetReadDeadline(deadlineFor(ctx, s.cfg.ReadTimeout)); err != nil {
		return session.DeliveryAck{}, err
	}
	for {
		fr, err := session.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return session.DeliveryAck{}, err
		}
		ack, err := session.DecodeDeliveryAckFrame(fr)
		if err != nil {
			return session.DeliveryAck{}, err
		}
		// Late acks for messages that already timed out.
		if ack.MessageID != messageID {
			log.Debug().Uint64("want", messageID).Uint64("got", ack.MessageID).Msg("resourcemanager.Session stale ack")
			continue
		}
		return ack, nil
	}
}

// deadlineFor is now+timeout, pulled in to ctx's deadline when that is
// sooner.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
