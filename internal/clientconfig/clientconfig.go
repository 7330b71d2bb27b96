// Package clientconfig defines the embedded client config (§3, §6): the
// struct stored inside a client executable's reserved section, and its
// on-disk binary framing (length prefix + serialized body + zero padding).
//
// Serialization uses github.com/fxamacker/cbor/v2, the pack's compact
// self-describing binary codec (grounded on
// Psiphon-Labs-psiphon-tunnel-core/psiphon/common/inproxy/session.go's use
// of cborEncoding.Marshal), standing in for §6's "bincode-equivalent
// serialization" — cbor is the closest real ecosystem analogue available in
// the retrieved pack.
package clientconfig

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"portguard/internal/pgerrors"
)

// Mode is implied by the shape of an enrollment's remote field (§3) and is
// carried explicitly in the embedded config so the client runtime doesn't
// need to re-derive it.
type Mode uint8

const (
	ModeForwardStatic Mode = iota
	ModeForwardDynamic
	ModeReverseRegister
	ModeReverseVisit
)

// Config is the embedded client config of §3/§6.
type Config struct {
	ServerHost         string   `cbor:"host"`
	ServerPort         uint16   `cbor:"port"`
	ServerStaticPublic [32]byte `cbor:"server_pub"`
	ClientPublic       [32]byte `cbor:"client_pub"`
	ClientPrivate      [32]byte `cbor:"client_priv"`
	Mode               Mode     `cbor:"mode"`
	// ListenPort is the default local listener port (§4.8 step 2); the
	// client CLI's -p flag overrides it for a single invocation without
	// rewriting the embedded config.
	ListenPort uint16 `cbor:"listen_port,omitempty"`

	// ServiceID is meaningful for ModeReverseRegister and ModeReverseVisit.
	ServiceID uint32 `cbor:"service_id,omitempty"`
	// Target is meaningful for ModeReverseRegister: the register-client's
	// local egress, addr or the literal "socks5".
	Target string `cbor:"target,omitempty"`
	// InnerPeerStatic is meaningful for ModeReverseVisit only: the
	// register-client's static public key, needed because the inner
	// Noise_IK handshake of §4.7/§4.8 is initiated by the visit-client,
	// which must therefore know its peer's static key a priori just like
	// the outer handshake does. gen-cli captures this from the registry
	// entry of the register-client enrolled under the same service id at
	// the time the visit-client is issued (see DESIGN.md).
	InnerPeerStatic [32]byte `cbor:"inner_peer_static,omitempty"`
}

// SOCKS5 UserPass auth (§4.6, §6) is enforced entirely server-side: gen-cli
// records whether a client's dynamic-mode traffic requires it in the
// server's own enrollment record (internal/registry.EnrollmentRecord), and
// the matching password is supplied to the server process via PG_PASSWORD,
// never embedded in a client binary. The dynamic-mode client listener is a
// transparent pipe (§2's data-flow diagram) — it never itself parses SOCKS5
// — so there is nothing for the embedded config to carry here.

// Marshal serializes c with cbor.
func (c Config) Marshal() ([]byte, error) {
	b, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clientconfig: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a cbor-encoded Config.
func Unmarshal(b []byte) (Config, error) {
	var c Config
	if err := cbor.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("clientconfig: unmarshal: %w", err)
	}
	return c, nil
}

// lengthPrefixSize is the width of the u64 little-endian length field that
// precedes the serialized body inside the reserved section (§6).
const lengthPrefixSize = 8

// WrapBlob builds the section content: u64 length (LE) || cbor body || zero
// padding up to capacity. It fails with ErrConfigTooLarge when the body
// doesn't fit (§4.1: serialized config <= CONFIG_CAPACITY - 8).
func WrapBlob(body []byte, capacity int) ([]byte, error) {
	if lengthPrefixSize+len(body) > capacity {
		return nil, fmt.Errorf("%w: %d bytes exceeds capacity %d", pgerrors.ErrConfigTooLarge, len(body), capacity)
	}
	blob := make([]byte, capacity)
	binary.LittleEndian.PutUint64(blob[:lengthPrefixSize], uint64(len(body)))
	copy(blob[lengthPrefixSize:], body)
	return blob, nil
}

// UnwrapBlob extracts the serialized body from a section's raw content,
// trusting the length prefix written by WrapBlob.
func UnwrapBlob(blob []byte) ([]byte, error) {
	if len(blob) < lengthPrefixSize {
		return nil, fmt.Errorf("clientconfig: blob too short for length prefix")
	}
	n := binary.LittleEndian.Uint64(blob[:lengthPrefixSize])
	if lengthPrefixSize+n > uint64(len(blob)) {
		return nil, fmt.Errorf("clientconfig: length prefix %d exceeds blob size %d", n, len(blob))
	}
	return blob[lengthPrefixSize : lengthPrefixSize+n], nil
}

// Encode is the convenience path used by gen-cli: marshal then wrap.
func Encode(c Config, capacity int) ([]byte, error) {
	body, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return WrapBlob(body, capacity)
}

// Decode is the inverse of Encode, used by the client runtime at startup.
func Decode(blob []byte) (Config, error) {
	body, err := UnwrapBlob(blob)
	if err != nil {
		return Config{}, err
	}
	return Unmarshal(body)
}
