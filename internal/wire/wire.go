// Package wire implements the control-message codec of §4.2: a minimal
// length-prefixed framing of a small tagged union, carried on top of the
// already-authenticated Noise stream. Unlike XrayIran-StealthLink's
// internal/control envelopes, no HMAC or JSON is used here — the Noise AEAD
// already authenticates every byte, so the codec only needs to be compact
// and unambiguous.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies the kind of control message.
type Tag byte

const (
	TagDialStatic       Tag = 0
	TagDialSocks5       Tag = 1
	TagRegisterReverse  Tag = 2
	TagVisitReverse     Tag = 3
)

// maxMessage bounds a single control message's payload; the four messages
// defined by §4.2 are all well under this, it exists only to reject
// malformed/hostile length prefixes before allocating.
const maxMessage = 1 << 8

// Message is the decoded form of one control message.
type Message struct {
	Tag       Tag
	ServiceID uint32 // valid for TagRegisterReverse / TagVisitReverse
}

// DialStatic, DialSocks5, RegisterReverse and VisitReverse are convenience
// constructors mirroring the four variants named in §4.2.
func DialStatic() Message                    { return Message{Tag: TagDialStatic} }
func DialSocks5() Message                    { return Message{Tag: TagDialSocks5} }
func RegisterReverse(serviceID uint32) Message { return Message{Tag: TagRegisterReverse, ServiceID: serviceID} }
func VisitReverse(serviceID uint32) Message    { return Message{Tag: TagVisitReverse, ServiceID: serviceID} }

// Encode serializes m as payload bytes (without the outer length prefix).
func (m Message) Encode() []byte {
	switch m.Tag {
	case TagDialStatic, TagDialSocks5:
		return []byte{byte(m.Tag)}
	case TagRegisterReverse, TagVisitReverse:
		buf := make([]byte, 5)
		buf[0] = byte(m.Tag)
		binary.BigEndian.PutUint32(buf[1:], m.ServiceID)
		return buf
	default:
		panic(fmt.Sprintf("wire: unknown tag %d", m.Tag))
	}
}

// Write frames and writes m to w: u16 big-endian length || payload.
func Write(w io.Writer, m Message) error {
	payload := m.Encode()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Read reads one framed control message from r. An unrecognized tag is a
// fatal protocol error per §4.2.
func Read(r io.Reader) (Message, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > maxMessage {
		return Message{}, fmt.Errorf("wire: length %d exceeds maximum", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("wire: read payload: %w", err)
	}
	return decode(payload)
}

func decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("wire: empty payload")
	}
	tag := Tag(payload[0])
	switch tag {
	case TagDialStatic, TagDialSocks5:
		return Message{Tag: tag}, nil
	case TagRegisterReverse, TagVisitReverse:
		if len(payload) != 5 {
			return Message{}, fmt.Errorf("wire: malformed service-id message, len %d", len(payload))
		}
		return Message{Tag: tag, ServiceID: binary.BigEndian.Uint32(payload[1:5])}, nil
	default:
		return Message{}, fmt.Errorf("wire: unknown tag %d", tag)
	}
}
