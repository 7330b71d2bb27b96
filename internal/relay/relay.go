// Package relay implements the Forwarding Engine's byte-pump (§4.6),
// adapted from XrayIran-StealthLink's internal/relay/relay.go. Portguard has
// no metrics surface (see SPEC_FULL.md's DOMAIN STACK — prometheus was left
// unwired), so the byte-counting hooks the teacher threads through to its
// metrics package are dropped; the buffer-pool/CopyBuffer shape is kept.
package relay

import (
	"io"
	"sync"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Pipe splices a and b bidirectionally until either side closes or errors,
// per §4.6: two half-closes yield a clean shutdown, any error on one side
// triggers an abortive close of the other (the caller is expected to Close
// both ends on return, since io.ReadWriter here has no half-close of its
// own — net.Conn/tunnel.Conn/smux.Stream callers close explicitly).
func Pipe(a io.ReadWriter, b io.ReadWriter) error {
	errCh := make(chan error, 2)
	go func() { errCh <- copyBuffer(a, b) }()
	go func() { errCh <- copyBuffer(b, a) }()
	return <-errCh
}

func copyBuffer(dst io.Writer, src io.Reader) error {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	_, err := io.CopyBuffer(dst, src, *bufp)
	return err
}
