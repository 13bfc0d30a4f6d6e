package coordinator

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/fencectl/internal/auth"
	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/protocol/frame"
	"github.com/danmuck/fencectl/internal/protocol/schema"
	"github.com/danmuck/fencectl/internal/protocol/session"
	"github.com/danmuck/fencectl/internal/protocol/tlv"
	"github.com/danmuck/fencectl/internal/resource"
	"github.com/danmuck/fencectl/internal/resourcemanager"
	"github.com/danmuck/fencectl/internal/testutil/testlog"
	"github.com/danmuck/fencectl/internal/testutil/tlstest"
)

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.AckTimeout = 3 * time.Second
	return cfg
}

func startService(t *testing.T, cfg ServiceConfig, coord *Coordinator) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewService(cfg, coord, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	return ln.Addr().String(), func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("serve exit err: %v", err)
		}
	}
}

func connect(t *testing.T, ctx context.Context, addr, senderID string, token leader.Token) *resourcemanager.Session {
	t.Helper()
	client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
		Address:            addr,
		SenderID:           senderID,
		Source:             leader.Static{Token: token},
		Session:            testSessionConfig(),
		MaxConnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	s, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestServiceDeliversFencedNotifications(t *testing.T) {
	testlog.Start(t)
	coord, _, tracker := newTestCoordinator(t, "epoch-7")
	cfg := DefaultServiceConfig()
	cfg.RequireIdentityBinding = true
	cfg.Session = testSessionConfig()
	addr, stop := startService(t, cfg, coord)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current := connect(t, ctx, addr, "rm.current", leader.TokenFromName("epoch-7"))
	defer current.Close()
	if current.CoordinatorID() != "coord.test" {
		t.Fatalf("unexpected coordinator id %q", current.CoordinatorID())
	}

	for _, id := range []string{"c-123", "c-456"} {
		if _, err := current.NotifyResourceRegistered(ctx, resource.ID(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	ack, err := current.NotifyResourceRemoved(ctx, "c-123", "container exited")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ack.Status != session.AckStatusReceived {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if coord.LiveSet().Contains("c-123") || !coord.LiveSet().Contains("c-456") {
		t.Fatalf("unexpected live set: %v", coord.LiveSet().IDs())
	}
	if rec, ok := tracker.Lost("c-123"); !ok || rec.Message != "container exited" {
		t.Fatalf("health listener not notified: %+v", rec)
	}

	stale := connect(t, ctx, addr, "rm.stale", leader.TokenFromName("epoch-6"))
	defer stale.Close()
	staleAck, err := stale.NotifyResourceRemoved(ctx, "c-456", "container exited")
	if err != nil {
		t.Fatalf("stale remove: %v", err)
	}
	if staleAck.Status != ack.Status {
		t.Fatalf("ack must not reveal fencing outcome: %+v vs %+v", staleAck, ack)
	}
	if !coord.LiveSet().Contains("c-456") {
		t.Fatalf("stale removal changed the live set")
	}
	if len(current.OutboxSnapshot()) != 0 || len(stale.OutboxSnapshot()) != 0 {
		t.Fatalf("acked notifications left in outbox")
	}
}

func waitForSender(t *testing.T, svc *Service, senderID string, ready func(ConnectedSender) bool) ConnectedSender {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		for _, cs := range svc.SnapshotSenders() {
			if cs.SenderID == senderID && ready(cs) {
				return cs
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("sender %q never reached expected state: %+v", senderID, svc.SnapshotSenders())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceTracksSenderSessions(t *testing.T) {
	testlog.Start(t)
	coord, _, _ := newTestCoordinator(t, "epoch-7")
	cfg := DefaultServiceConfig()
	cfg.Session = testSessionConfig()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewService(cfg, coord, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("serve exit err: %v", err)
		}
	}()
	addr := ln.Addr().String()
	token := leader.TokenFromName("epoch-7")

	before := time.Now()
	first := connect(t, ctx, addr, "rm.alpha", token)
	const sent = 3
	for _, id := range []resource.ID{"c-1", "c-2"} {
		if _, err := first.NotifyResourceRegistered(ctx, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := first.NotifyResourceRemoved(ctx, "c-1", "exited"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	cs := waitForSender(t, svc, "rm.alpha", func(cs ConnectedSender) bool { return cs.Notifications == sent })
	if !cs.Connected || cs.Sessions != 1 {
		t.Fatalf("expected one live session: %+v", cs)
	}
	if cs.LastFrameAt.Before(before) || cs.LastFrameAt.Before(cs.ConnectedAt) {
		t.Fatalf("last frame time not tracked: %+v", cs)
	}

	// a second overlapping session outlives the first
	second := connect(t, ctx, addr, "rm.alpha", token)
	defer second.Close()
	waitForSender(t, svc, "rm.alpha", func(cs ConnectedSender) bool { return cs.Sessions == 2 })
	_ = first.Close()
	cs = waitForSender(t, svc, "rm.alpha", func(cs ConnectedSender) bool { return cs.Sessions == 1 })
	if !cs.Connected {
		t.Fatalf("closing the older session marked the sender disconnected: %+v", cs)
	}

	_ = second.Close()
	cs = waitForSender(t, svc, "rm.alpha", func(cs ConnectedSender) bool { return cs.Sessions == 0 })
	if cs.Connected || cs.Notifications != sent {
		t.Fatalf("unexpected final sender state: %+v", cs)
	}
}

func TestServiceHelloIdentityMismatchRejected(t *testing.T) {
	testlog.Start(t)
	coord, _, _ := newTestCoordinator(t, "epoch-7")
	cfg := DefaultServiceConfig()
	cfg.RequireIdentityBinding = true
	cfg.Session = testSessionConfig()
	addr, stop := startService(t, cfg, coord)
	defer stop()

	client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
		Address:            addr,
		SenderID:           "rm.alpha",
		PeerIdentity:       "peer.other",
		Source:             leader.Static{Token: leader.TokenFromName("epoch-7")},
		Session:            testSessionConfig(),
		MaxConnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Connect(ctx); !errors.Is(err, resourcemanager.ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected, got %v", err)
	}
}

func TestServiceHelloRequiresSecret(t *testing.T) {
	testlog.Start(t)
	coord, _, _ := newTestCoordinator(t, "epoch-7")
	cfg := DefaultServiceConfig()
	cfg.Auth = auth.PerSender{"rm.alpha": "s3cret"}
	cfg.Session = testSessionConfig()
	addr, stop := startService(t, cfg, coord)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, secret := range []string{"", "wrong"} {
		client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
			Address:            addr,
			SenderID:           "rm.alpha",
			Secret:             secret,
			Source:             leader.Static{Token: leader.TokenFromName("epoch-7")},
			Session:            testSessionConfig(),
			MaxConnectAttempts: 1,
		})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		if _, err := client.Connect(ctx); !errors.Is(err, resourcemanager.ErrHelloRejected) {
			t.Fatalf("secret %q: expected ErrHelloRejected, got %v", secret, err)
		}
	}

	client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
		Address:            addr,
		SenderID:           "rm.alpha",
		Secret:             "s3cret",
		Source:             leader.Static{Token: leader.TokenFromName("epoch-7")},
		Session:            testSessionConfig(),
		MaxConnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	s, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect with secret: %v", err)
	}
	_ = s.Close()
}

func TestServiceMutualTLSBindsSenderToCertificate(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "fencectl-test-ca")
	server := ca.Coordinator(t, "coord.test")

	cfg := DefaultServiceConfig()
	cfg.RequireIdentityBinding = true
	cfg.Session = testSessionConfig()
	cfg.Session.SecurityMode = session.SecurityModeProduction
	cfg.Session.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: server.CertFile,
		KeyFile:  server.KeyFile,
		CAFile:   ca.CAFile(),
	}
	tlsCfg, err := cfg.Session.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}

	coord, _, _ := newTestCoordinator(t, "epoch-7")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewService(cfg, coord, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, tls.NewListener(ln, tlsCfg))
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("serve exit err: %v", err)
		}
	}()

	dial := func(senderID string, cert tlstest.Pair) (*resourcemanager.Session, error) {
		sessCfg := testSessionConfig()
		sessCfg.SecurityMode = session.SecurityModeProduction
		sessCfg.TLS = session.TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CertFile: cert.CertFile,
			KeyFile:  cert.KeyFile,
			CAFile:   ca.CAFile(),
		}
		client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
			Address:            ln.Addr().String(),
			SenderID:           senderID,
			Source:             leader.Static{Token: leader.TokenFromName("epoch-7")},
			Session:            sessCfg,
			MaxConnectAttempts: 1,
		})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		return client.Connect(ctx)
	}

	s, err := dial("rm.alpha", ca.Sender(t, "rm.alpha"))
	if err != nil {
		t.Fatalf("connect with matching cert: %v", err)
	}
	if _, err := s.NotifyResourceRegistered(ctx, "c-1"); err != nil {
		t.Fatalf("register over tls: %v", err)
	}
	_ = s.Close()
	if !coord.LiveSet().Contains("c-1") {
		t.Fatalf("registration over tls not applied")
	}

	if _, err := dial("rm.alpha", ca.Sender(t, "rm.beta")); !errors.Is(err, resourcemanager.ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected for foreign cert, got %v", err)
	}
}

func TestServiceDropsSessionOnUndecodableFrame(t *testing.T) {
	testlog.Start(t)
	coord, _, _ := newTestCoordinator(t, "epoch-7")
	cfg := DefaultServiceConfig()
	cfg.Session = testSessionConfig()
	addr, stop := startService(t, cfg, coord)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	if err := session.WriteHello(conn, session.Hello{SenderID: "rm.raw"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if ack, err := session.ReadHelloAck(conn); err != nil || ack.Status != session.AckStatusAccepted {
		t.Fatalf("hello.ack: %+v %v", ack, err)
	}

	// fenced type without fence block
	var buf bytes.Buffer
	err = frame.WriteFrame(&buf, frame.Frame{
		Header:  frame.Header{MessageID: 1, MessageType: schema.MsgResourceRemoved},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldResourceID, "c-1")}),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := session.ReadFrame(conn, frame.DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected session to be dropped, got %v", err)
	}
}
