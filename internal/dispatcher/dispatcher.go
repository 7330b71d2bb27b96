// Package dispatcher implements the Server Dispatcher of §4.7: the
// per-connection state machine that performs the outer handshake, looks up
// the enrolled client's policy, validates the first control message against
// it, and routes to the Forwarding Engine or the Reverse Session Table.
//
// Architecturally grounded on XrayIran-StealthLink's internal/gateway/
// gateway.go (accept loop -> per-connection admission -> mode dispatch),
// simplified from its pooled multi-agent load-balancing model down to
// portguard's single-enrollment-per-key lookup, which is what
// original_source/src/server.rs's handle_connection actually does.
package dispatcher

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"portguard/internal/pgcrypto"
	"portguard/internal/pgerrors"
	"portguard/internal/registry"
	"portguard/internal/relay"
	"portguard/internal/session"
	"portguard/internal/socks5"
	"portguard/internal/tunnel"
	"portguard/internal/wire"
)

// fileHashOK and fileHashFail are the single-byte status values written
// back after the filehash exchange of §4.5. original_source/src/server.rs
// performs the equivalent raw-byte exchange (outside the tagged-union wire
// codec) with its own arbitrary status bytes; the exact values here are a
// local choice, matched by internal/clientrt's registerOnce.
const (
	fileHashOK   = 0x01
	fileHashFail = 0x00
)

// Dispatcher holds everything a connection's state machine needs.
type Dispatcher struct {
	Registry         *registry.Registry
	Sessions         *session.Table
	Identity         pgcrypto.Keypair
	HandshakeTimeout time.Duration
	MuxConfig        *smux.Config
	SocksPassword    string // from PG_PASSWORD, enforced when a client's enrollment carries SocksUsername
	Log              *logrus.Logger
}

// HandleConnection runs the full per-connection state machine of §4.7 on a
// freshly accepted raw TCP connection. It always closes raw before
// returning.
func (d *Dispatcher) HandleConnection(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	conn, err := tunnel.HandshakeResponder(raw, d.Identity, d.HandshakeTimeout)
	if err != nil {
		d.Log.WithError(err).Warn("dispatcher: handshake failed")
		return
	}
	defer conn.Close()

	rec, ok := d.Registry.Lookup(conn.RemoteStatic())
	if !ok {
		d.Log.WithField("pubkey", fmt.Sprintf("%x", conn.RemoteStatic())).Warn(pgerrors.ErrUnauthorized)
		return
	}

	msg, err := wire.Read(conn)
	if err != nil {
		d.Log.WithError(err).Warn("dispatcher: control message read failed")
		return
	}

	if err := checkPolicy(rec.Remote, msg); err != nil {
		d.Log.WithError(err).Warn("dispatcher: policy violation")
		return
	}

	switch rec.Remote.Kind {
	case registry.RemoteAddr:
		d.forwardStatic(conn, rec.Remote.Addr)
	case registry.RemoteSocks5:
		d.forwardDynamic(ctx, conn, rec)
	case registry.RemoteReverseRegister:
		d.reverseRegister(conn, rec)
	case registry.RemoteReverseVisit:
		d.reverseVisit(conn, rec)
	}
}

// checkPolicy enforces §4.7 step 3: the first control message must agree
// with the enrolled mode shape.
func checkPolicy(remote registry.Remote, msg wire.Message) error {
	switch remote.Kind {
	case registry.RemoteAddr:
		if msg.Tag != wire.TagDialStatic {
			return pgerrors.ErrPolicyViolation
		}
	case registry.RemoteSocks5:
		if msg.Tag != wire.TagDialSocks5 {
			return pgerrors.ErrPolicyViolation
		}
	case registry.RemoteReverseRegister:
		if msg.Tag != wire.TagRegisterReverse || msg.ServiceID != remote.ServiceID {
			return pgerrors.ErrPolicyViolation
		}
	case registry.RemoteReverseVisit:
		if msg.Tag != wire.TagVisitReverse || msg.ServiceID != remote.ServiceID {
			return pgerrors.ErrPolicyViolation
		}
	default:
		return pgerrors.ErrPolicyViolation
	}
	return nil
}

// forwardStatic implements §4.6's static-dial egress.
func (d *Dispatcher) forwardStatic(conn *tunnel.Conn, addr string) {
	target, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		d.Log.WithError(err).Warn(pgerrors.ErrDialFailed)
		return
	}
	defer target.Close()
	if err := relay.Pipe(conn, target); err != nil && err != io.EOF {
		d.Log.WithError(err).Debug("dispatcher: forward-static relay ended")
	}
}

// forwardDynamic implements §4.6's SOCKS5 egress, with per-client UserPass
// auth governed by the enrollment's SocksUsername (§4.6, §6).
func (d *Dispatcher) forwardDynamic(ctx context.Context, conn *tunnel.Conn, rec registry.EnrollmentRecord) {
	h := &socks5.Handler{
		Username: rec.SocksUsername,
		Password: d.SocksPassword,
		Log:      d.Log,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, address)
		},
	}
	if err := h.Serve(ctx, conn); err != nil && err != io.EOF {
		d.Log.WithError(err).Debug("dispatcher: dynamic relay ended")
	}
}

// reverseRegister implements §4.5's registration path and §4.7 step 4: the
// filehash challenge, mux installation, and blocking service of substreams
// until the tunnel drops.
func (d *Dispatcher) reverseRegister(conn *tunnel.Conn, rec registry.EnrollmentRecord) {
	// The register-client always sends its file digest (internal/clientrt's
	// registerOnce has no way to know in advance whether its enrollment
	// carries a hash); the server always consumes it, but only enforces a
	// mismatch when rec.Hash is actually set.
	if err := d.verifyFileHash(conn, rec.Hash); err != nil {
		d.Log.WithError(err).Warn(pgerrors.ErrHashMismatch)
		return
	}

	target, err := registry.ParseRemote(rec.Remote.Addr)
	if err != nil {
		// rec.Remote.Addr for a ReverseRegister entry is itself either an
		// address or the literal "socks5"; both parse cleanly via
		// ParseRemote, so this only fails on a corrupt registry entry.
		d.Log.WithError(err).Warn("dispatcher: malformed reverse target")
		return
	}

	entry, err := d.Sessions.Register(rec.Remote.ServiceID, conn, target, d.MuxConfig)
	if err != nil {
		d.Log.WithError(err).Warn("dispatcher: reverse registration rejected")
		return
	}
	defer d.Sessions.Unregister(rec.Remote.ServiceID)

	d.Sessions.AcceptLoop(entry) // blocks until the tunnel drops
}

// verifyFileHash performs the raw 32-byte digest exchange of §4.5: it is
// deliberately outside the §4.2 tagged-union wire codec, matching
// original_source/src/server.rs's verify_file_hash. want is nil when the
// enrollment carries no hash requirement, in which case the digest is
// still read (to keep both sides of the protocol in lock-step) but never
// checked.
func (d *Dispatcher) verifyFileHash(conn *tunnel.Conn, want *registry.Key32) error {
	declared := make([]byte, 32)
	if _, err := io.ReadFull(conn, declared); err != nil {
		return fmt.Errorf("dispatcher: read file digest: %w", err)
	}
	if want != nil && subtle.ConstantTimeCompare(declared, want[:]) != 1 {
		conn.Write([]byte{fileHashFail})
		return pgerrors.ErrHashMismatch
	}
	if _, err := conn.Write([]byte{fileHashOK}); err != nil {
		return fmt.Errorf("dispatcher: write file digest ack: %w", err)
	}
	return nil
}

// reverseVisit implements §4.7 step 5: open a substream toward the
// register-client and splice it directly to the visit-client's outer
// tunnel. The inner Noise_IK handshake happens entirely between the two
// clients; the server relays opaque already-encrypted bytes and never
// participates in or observes it.
func (d *Dispatcher) reverseVisit(conn *tunnel.Conn, rec registry.EnrollmentRecord) {
	stream, err := d.Sessions.OpenSubstream(rec.Remote.ServiceID)
	if err != nil {
		d.Log.WithError(err).Warn("dispatcher: reverse visit failed")
		return
	}
	defer stream.Close()

	if err := relay.Pipe(conn, stream); err != nil && err != io.EOF {
		d.Log.WithError(err).Debug("dispatcher: reverse-visit relay ended")
	}
}
