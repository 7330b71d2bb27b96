package relay

import (
	"io"
	"net"
	"testing"
)

func TestPipeSplicesBothDirections(t *testing.T) {
	aConn, aPeer := net.Pipe()
	bConn, bPeer := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- Pipe(aConn, bConn) }()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(bPeer, buf)
		bPeer.Write(buf)
	}()

	if _, err := aPeer.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(aPeer, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}

	aPeer.Close()
	bPeer.Close()
	<-done
}
