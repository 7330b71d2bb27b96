// Package pgcrypto generates the Curve25519 static keypairs used by the
// outer and inner Noise_IK handshakes, and computes the Blake2s digest used
// by the filehash enforcement in §4.5.
package pgcrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

// Keypair is a Curve25519 static identity, public and private halves.
type Keypair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeypair draws a fresh private scalar from crypto/rand and derives
// the matching public point, the same pair shape flynn/noise's DH25519
// expects as a noise.DHKey.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("pgcrypto: read random: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("pgcrypto: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// FileDigest returns the Blake2s-256 digest of b, the enforcement value
// compared against an enrollment record's hash field.
func FileDigest(b []byte) [32]byte {
	return blake2s.Sum256(b)
}
