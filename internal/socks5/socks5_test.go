package socks5

import (
	"context"
	"io"
	"net"
	"testing"
)

func TestServeConnectNoAuth(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	targetServerSide, targetClientSide := net.Pipe()

	h := &Handler{
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return targetClientSide, nil
		},
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(context.Background(), serverConn) }()

	// Echo on the "remote target" side.
	go func() {
		buf := make([]byte, 4)
		io.ReadFull(targetServerSide, buf)
		targetServerSide.Write(buf)
	}()

	// Greeting: version 5, 1 method, no-auth.
	if _, err := clientConn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(clientConn, reply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != authNone {
		t.Fatalf("unexpected method reply: %v", reply)
	}

	// CONNECT request to 127.0.0.1:80.
	req := []byte{0x05, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, 0, 80}
	if _, err := clientConn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	respHead := make([]byte, 4)
	if _, err := io.ReadFull(clientConn, respHead); err != nil {
		t.Fatalf("read reply head: %v", err)
	}
	if respHead[1] != repSuccess {
		t.Fatalf("reply status = %d, want success", respHead[1])
	}
	// IPv4 bind addr + port follow.
	io.ReadFull(clientConn, make([]byte, 6))

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, 4)
	if _, err := io.ReadFull(clientConn, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("got %q, want ping", echoed)
	}

	clientConn.Close()
	<-serveErr
}
