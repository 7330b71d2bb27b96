package dispatcher

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"portguard/internal/pgcrypto"
	"portguard/internal/registry"
	"portguard/internal/session"
	"portguard/internal/tunnel"
	"portguard/internal/wire"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newDispatcher(t *testing.T, server pgcrypto.Keypair) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(t.TempDir()+"/registry.toml", "127.0.0.1", 4443)
	reg.SetIdentity(registry.Key32(server.Public), registry.Key32(server.Private))
	return &Dispatcher{
		Registry:         reg,
		Sessions:         session.NewTable(),
		Identity:         server,
		HandshakeTimeout: 2 * time.Second,
		MuxConfig:        smux.DefaultConfig(),
		Log:              testLogger(),
	}, reg
}

// TestHandleConnectionForwardStatic exercises §4.7's static-dial path
// end-to-end: a real outer handshake, a real control message, and a relay
// into a local echo listener.
func TestHandleConnectionForwardStatic(t *testing.T) {
	server, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	client, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	d, reg := newDispatcher(t, server)
	if err := reg.Insert(registry.EnrollmentRecord{
		Name:   "static-client",
		Pubkey: registry.Key32(client.Public),
		Remote: registry.Remote{Kind: registry.RemoteAddr, Addr: echo.Addr().String()},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	serverRaw, clientRaw := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.HandleConnection(context.Background(), serverRaw)
		close(done)
	}()

	conn, err := tunnel.HandshakeInitiator(clientRaw, client, server.Public, 2*time.Second)
	if err != nil {
		t.Fatalf("HandshakeInitiator: %v", err)
	}
	if err := wire.Write(conn, wire.DialStatic()); err != nil {
		t.Fatalf("wire.Write: %v", err)
	}

	payload := []byte("hello portguard")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("conn read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
	conn.Close()
	<-done
}

// TestHandleConnectionUnauthorized checks that an unenrolled static key is
// rejected without any control message being read.
func TestHandleConnectionUnauthorized(t *testing.T) {
	server, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	stranger, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	d, _ := newDispatcher(t, server)

	serverRaw, clientRaw := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.HandleConnection(context.Background(), serverRaw)
		close(done)
	}()

	conn, err := tunnel.HandshakeInitiator(clientRaw, stranger, server.Public, 2*time.Second)
	if err != nil {
		t.Fatalf("HandshakeInitiator: %v", err)
	}
	conn.Close()
	<-done
}

// TestCheckPolicyRejectsMismatch exercises §4.7 step 3 directly.
func TestCheckPolicyRejectsMismatch(t *testing.T) {
	remote := registry.Remote{Kind: registry.RemoteReverseVisit, ServiceID: 5}
	if err := checkPolicy(remote, wire.VisitReverse(5)); err != nil {
		t.Fatalf("expected matching service id to pass, got %v", err)
	}
	if err := checkPolicy(remote, wire.VisitReverse(6)); err == nil {
		t.Fatal("expected mismatched service id to fail policy check")
	}
	if err := checkPolicy(remote, wire.DialStatic()); err == nil {
		t.Fatal("expected wrong tag to fail policy check")
	}
}

// TestVerifyFileHash exercises §4.5's raw digest exchange over a real
// established tunnel, both with a matching and a mismatched hash.
func TestVerifyFileHash(t *testing.T) {
	server, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	client, err := pgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	digest := pgcrypto.FileDigest([]byte("binary contents"))
	want := registry.Key32(digest)
	d := &Dispatcher{Log: testLogger()}

	t.Run("match", func(t *testing.T) {
		serverRaw, clientRaw := net.Pipe()
		serverConnCh := make(chan *tunnel.Conn, 1)
		go func() {
			c, err := tunnel.HandshakeResponder(serverRaw, server, 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			serverConnCh <- c
		}()
		clientConn, err := tunnel.HandshakeInitiator(clientRaw, client, server.Public, 2*time.Second)
		if err != nil {
			t.Fatalf("HandshakeInitiator: %v", err)
		}
		serverConn := <-serverConnCh

		errCh := make(chan error, 1)
		go func() { errCh <- d.verifyFileHash(serverConn, &want) }()

		if _, err := clientConn.Write(digest[:]); err != nil {
			t.Fatalf("client write: %v", err)
		}
		ack := make([]byte, 1)
		if _, err := io.ReadFull(clientConn, ack); err != nil {
			t.Fatalf("client read ack: %v", err)
		}
		if ack[0] != fileHashOK {
			t.Fatalf("got ack %x, want fileHashOK", ack)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("verifyFileHash: %v", err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		serverRaw, clientRaw := net.Pipe()
		serverConnCh := make(chan *tunnel.Conn, 1)
		go func() {
			c, err := tunnel.HandshakeResponder(serverRaw, server, 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			serverConnCh <- c
		}()
		clientConn, err := tunnel.HandshakeInitiator(clientRaw, client, server.Public, 2*time.Second)
		if err != nil {
			t.Fatalf("HandshakeInitiator: %v", err)
		}
		serverConn := <-serverConnCh

		errCh := make(chan error, 1)
		go func() { errCh <- d.verifyFileHash(serverConn, &want) }()

		wrong := pgcrypto.FileDigest([]byte("tampered binary"))
		if _, err := clientConn.Write(wrong[:]); err != nil {
			t.Fatalf("client write: %v", err)
		}
		ack := make([]byte, 1)
		if _, err := io.ReadFull(clientConn, ack); err != nil {
			t.Fatalf("client read ack: %v", err)
		}
		if ack[0] != fileHashFail {
			t.Fatalf("got ack %x, want fileHashFail", ack)
		}
		if err := <-errCh; err == nil {
			t.Fatal("expected hash mismatch error")
		}
	})
}
