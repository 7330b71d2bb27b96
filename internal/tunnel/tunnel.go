// Package tunnel implements the Noise Tunnel of §4.3: a Noise_IK_25519_
// ChaChaPoly_BLAKE2s handshake (grounded on the flynn/noise usage pattern in
// Psiphon-Labs-psiphon-tunnel-core's psiphon/common/inproxy/session.go, which
// wires the same cipher suite and DH curve for a different Noise pattern),
// wrapped in a net.Conn-shaped byte stream with per-message AEAD framing.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"

	"portguard/internal/pgcrypto"
	"portguard/internal/pgerrors"
)

// tagOverhead is the ChaChaPoly authentication tag length.
const tagOverhead = 16

// NoiseMaxPayload is the largest plaintext chunk sealed into one AEAD frame,
// per §4.3: 65535 minus the AEAD tag.
const NoiseMaxPayload = 65535 - tagOverhead

// DefaultHandshakeTimeout is the read deadline applied to every handshake
// message, per §4.3/§5.
const DefaultHandshakeTimeout = 10 * time.Second

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// Conn wraps a raw net.Conn with an established Noise transport, splitting
// plaintext into AEAD-sealed frames and reassembling them on read. It has no
// framing knowledge of the wire codec (§4.2) layered on top of it; from its
// perspective this is just an encrypted byte stream.
type Conn struct {
	raw          net.Conn
	send         *noise.CipherState
	recv         *noise.CipherState
	remoteStatic [32]byte

	readPending []byte // decrypted bytes not yet consumed by Read
}

// RemoteStatic returns the peer's static public key, known only after the
// handshake completes.
func (c *Conn) RemoteStatic() [32]byte { return c.remoteStatic }

// LocalAddr and RemoteAddr pass through to the raw connection.
func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// SetDeadline, SetReadDeadline and SetWriteDeadline pass through to the raw
// connection, letting callers impose their own idle timeouts on the
// established stream (§5 notes the splice loop itself has none).
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// HandshakeInitiator performs the outer Noise_IK handshake as initiator
// (the client, per §4.3): it knows the responder's static public key a
// priori. The standard IK pattern is two messages (initiator writes first,
// responder replies); see DESIGN.md for why this diverges from the prose
// "3 messages" in §6.
func HandshakeInitiator(raw net.Conn, local pgcrypto.Keypair, remoteStatic [32]byte, timeout time.Duration) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Public:  local.Public[:],
			Private: local.Private[:],
		},
		PeerStatic: remoteStatic[:],
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: new handshake state: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("tunnel: set handshake deadline: %w", err)
	}
	defer raw.SetDeadline(time.Time{})

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err)
	}
	if err := writeFrame(raw, msg1); err != nil {
		return nil, wrapHandshakeIOErr(err)
	}

	msg2, err := readFrame(raw)
	if err != nil {
		return nil, wrapHandshakeIOErr(err)
	}
	_, c1, c2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err)
	}

	return &Conn{raw: raw, send: c1, recv: c2, remoteStatic: remoteStatic}, nil
}

// HandshakeResponder performs the outer handshake as responder (the
// server): the peer's static key is learned during the handshake, not known
// beforehand.
func HandshakeResponder(raw net.Conn, local pgcrypto.Keypair, timeout time.Duration) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Public:  local.Public[:],
			Private: local.Private[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: new handshake state: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("tunnel: set handshake deadline: %w", err)
	}
	defer raw.SetDeadline(time.Time{})

	msg1, err := readFrame(raw)
	if err != nil {
		return nil, wrapHandshakeIOErr(err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err)
	}

	msg2, c1, c2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err)
	}
	if err := writeFrame(raw, msg2); err != nil {
		return nil, wrapHandshakeIOErr(err)
	}

	var remoteStatic [32]byte
	copy(remoteStatic[:], hs.PeerStatic())

	return &Conn{raw: raw, send: c2, recv: c1, remoteStatic: remoteStatic}, nil
}

func wrapHandshakeIOErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", pgerrors.ErrHandshakeTimeout, err)
	}
	return fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err)
}

// Read implements io.Reader, transparently decrypting AEAD frames as needed.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.readPending) == 0 {
		ciphertext, err := readFrame(c.raw)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", pgerrors.ErrDecryptFailed, err)
		}
		c.readPending = plaintext
	}
	n := copy(p, c.readPending)
	c.readPending = c.readPending[n:]
	return n, nil
}

// Write implements io.Writer, splitting p into frames of at most
// NoiseMaxPayload plaintext bytes and sealing each independently.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > NoiseMaxPayload {
			chunk = chunk[:NoiseMaxPayload]
		}
		ciphertext, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("%w: %v", pgerrors.ErrWrite, err)
		}
		if err := writeFrame(c.raw, ciphertext); err != nil {
			return total, fmt.Errorf("%w: %v", pgerrors.ErrWrite, err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// writeFrame and readFrame impose a u16-length prefix on each Noise
// ciphertext so that frame boundaries survive TCP's byte-stream semantics;
// this is separate from, and beneath, the §4.2 control-message framing.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
