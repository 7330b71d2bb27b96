package clientrt

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"portguard/internal/clientconfig"
	"portguard/internal/pgcrypto"
	"portguard/internal/tunnel"
	"portguard/internal/wire"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeServer runs a single-shot handshake responder over a real TCP
// listener and returns its address, letting tests exercise Runtime's dial
// path without spinning up the whole dispatcher.
func fakeServer(t *testing.T, identity pgcrypto.Keypair, handle func(conn *tunnel.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := tunnel.HandshakeResponder(raw, identity, 2*time.Second)
		if err != nil {
			t.Error(err)
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

// TestHandleLocalConnForwardStatic exercises §4.8's forward-static path: a
// local connection gets dialed out, the control message is observed
// server-side, and bytes relay both ways.
func TestHandleLocalConnForwardStatic(t *testing.T) {
	server, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	client, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	addr := fakeServer(t, server, func(conn *tunnel.Conn) {
		msg, err := wire.Read(conn)
		if err != nil {
			t.Error(err)
			return
		}
		if msg.Tag != wire.TagDialStatic {
			t.Errorf("got tag %v, want TagDialStatic", msg.Tag)
		}
		io.Copy(conn, conn)
	})
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	cfg := clientconfig.Config{
		ServerHost:         host,
		ServerStaticPublic: server.Public,
		ClientPublic:       client.Public,
		ClientPrivate:      client.Private,
		Mode:               clientconfig.ModeForwardStatic,
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	cfg.ServerPort = uint16(p)

	rt, err := New(cfg, 0, "", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	local, remote := net.Pipe()
	go rt.handleLocalConn(context.Background(), remote, wire.DialStatic())

	payload := []byte("round trip")
	if _, err := local.Write(payload); err != nil {
		t.Fatalf("local.Write: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(local, buf); err != nil {
		t.Fatalf("local read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
	local.Close()
}

// TestRegisterOnce exercises §4.8's register-client flow: the filehash
// exchange and the resulting smux.Client/smux.Server pairing (server side
// plays smux.Client against this runtime's smux.Server, mirroring
// internal/session.Table.Register).
func TestRegisterOnce(t *testing.T) {
	server, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	client, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	visitor, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	echoed := make(chan struct{})
	addr := fakeServer(t, server, func(conn *tunnel.Conn) {
		msg, err := wire.Read(conn)
		if err != nil {
			t.Error(err)
			return
		}
		if msg.Tag != wire.TagRegisterReverse {
			t.Errorf("got tag %v, want TagRegisterReverse", msg.Tag)
		}
		digest := make([]byte, 32)
		if _, err := io.ReadFull(conn, digest); err != nil {
			t.Error(err)
			return
		}
		if _, err := conn.Write([]byte{0x01}); err != nil {
			t.Error(err)
			return
		}

		sess, err := smux.Client(conn, smux.DefaultConfig())
		if err != nil {
			t.Error(err)
			return
		}
		stream, err := sess.OpenStream()
		if err != nil {
			t.Error(err)
			return
		}
		defer stream.Close()

		// serveSubstream wraps each accepted substream in an inner
		// Noise_IK handshake (responder side); play the visitor's
		// initiator side here before exchanging bytes (§4.8 step 2).
		inner, err := tunnel.HandshakeInitiator(stream, visitor, client.Public, 2*time.Second)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := inner.Write([]byte("ping")); err != nil {
			t.Error(err)
			return
		}
		buf := make([]byte, 4)
		io.ReadFull(inner, buf)
		close(echoed)
	})
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	cfg := clientconfig.Config{
		ServerHost:         host,
		ServerPort:         uint16(p),
		ServerStaticPublic: server.Public,
		ClientPublic:       client.Public,
		ClientPrivate:      client.Private,
		Mode:               clientconfig.ModeReverseRegister,
		ServiceID:          7,
		Target:             "socks5",
	}
	rt, err := New(cfg, 0, "", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- rt.registerOnce(ctx) }()

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the substream exchange")
	}
}
