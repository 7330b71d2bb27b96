// Package pgerrors defines the error kinds shared by every portguard
// component, per the taxonomy in §7: sentinel values rather than typed
// error structs, compared with errors.Is and wrapped with fmt.Errorf.
package pgerrors

import "errors"

// Configuration errors.
var (
	ErrConfigParse      = errors.New("config: parse failed")
	ErrConfigMissingKey = errors.New("config: missing required key")
	ErrDuplicatePubkey  = errors.New("config: duplicate pubkey")
	ErrConfigTooLarge   = errors.New("config: serialized config exceeds capacity")
)

// Binary patching errors.
var (
	ErrUnsupportedFormat = errors.New("patch: unsupported image format")
	ErrSectionNotFound   = errors.New("patch: config section not found")
	ErrSentinelMissing   = errors.New("patch: sentinel prefix missing")
)

// Crypto/handshake errors.
var (
	ErrHandshakeFailed  = errors.New("tunnel: handshake failed")
	ErrHandshakeTimeout = errors.New("tunnel: handshake timed out")
	ErrDecryptFailed    = errors.New("tunnel: decrypt failed")
	ErrNonceViolation   = errors.New("tunnel: nonce out of order")
)

// Admission errors.
var (
	ErrUnauthorized     = errors.New("admission: unknown static key")
	ErrPolicyViolation  = errors.New("admission: control message disagrees with enrolled mode")
	ErrHashMismatch     = errors.New("admission: file hash mismatch")
)

// Reverse mux errors.
var (
	ErrServiceIDBusy  = errors.New("session: service id already registered")
	ErrNoSuchService  = errors.New("session: no such service id")
	ErrMuxClosed      = errors.New("session: mux closed")
)

// I/O errors.
var (
	ErrDialFailed = errors.New("io: dial failed")
	ErrAccept     = errors.New("io: accept failed")
	ErrRead       = errors.New("io: read failed")
	ErrWrite      = errors.New("io: write failed")
	ErrClosed     = errors.New("io: closed")
)
