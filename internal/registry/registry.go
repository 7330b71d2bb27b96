// Package registry implements the Client Registry (§4.4) and the server's
// static identity and enrollment records (§3), persisted as a TOML config
// file per §6. Persistence follows XrayIran-StealthLink's emphasis on
// avoiding torn reads (its internal/config/reload.go reasons about
// transitions the same way): writes are write-to-temp-then-rename.
package registry

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"

	"portguard/internal/pgerrors"
)

// Key32 is a 32-byte value (a Curve25519 public or private key) that
// round-trips through TOML as a hex string.
type Key32 [32]byte

func (k Key32) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

func (k *Key32) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("registry: decode key: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("registry: key must be 32 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// RemoteKind selects which of the four shapes of §3 a Remote holds.
type RemoteKind int

const (
	RemoteAddr RemoteKind = iota
	RemoteSocks5
	RemoteReverseRegister
	RemoteReverseVisit
)

// Remote is the forwarding policy attached to an enrollment record, or
// (Kind: RemoteAddr/RemoteSocks5) an embedded reverse-register target.
type Remote struct {
	Kind      RemoteKind
	Addr      string // valid when Kind == RemoteAddr, or as the register target's address
	ServiceID uint32 // valid when Kind == RemoteReverseRegister or RemoteReverseVisit
}

// String renders a Remote using the compact textual encoding stored in the
// TOML config: a bare address, the literal "socks5", "<target>@<sid>" for a
// reverse-register target, or a bare decimal service id for reverse-visit.
// Grounded on original_source/src/remote.rs's Remote::try_parse, adapted to
// a single self-delimiting string since portguard's TOML schema stores
// `remote` as one scalar field rather than Rust's tagged enum.
func (r Remote) String() string {
	switch r.Kind {
	case RemoteSocks5:
		return "socks5"
	case RemoteReverseRegister:
		return fmt.Sprintf("%s@%d", r.Addr, r.ServiceID)
	case RemoteReverseVisit:
		return strconv.FormatUint(uint64(r.ServiceID), 10)
	default:
		return r.Addr
	}
}

// ParseRemote parses the compact textual encoding back into a Remote.
func ParseRemote(s string) (Remote, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Remote{}, fmt.Errorf("registry: empty remote")
	}
	if s == "socks5" {
		return Remote{Kind: RemoteSocks5}, nil
	}
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		target := s[:idx]
		sid, err := strconv.ParseUint(s[idx+1:], 10, 32)
		if err != nil {
			return Remote{}, fmt.Errorf("registry: bad service id in %q: %w", s, err)
		}
		return Remote{Kind: RemoteReverseRegister, Addr: target, ServiceID: uint32(sid)}, nil
	}
	if sid, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Remote{Kind: RemoteReverseVisit, ServiceID: uint32(sid)}, nil
	}
	return Remote{Kind: RemoteAddr, Addr: s}, nil
}

func (r Remote) MarshalText() ([]byte, error)  { return []byte(r.String()), nil }
func (r *Remote) UnmarshalText(text []byte) error {
	// An unset Remote (such as the optional server-level default) is saved
	// as an empty string; read it back as the zero Remote.
	if strings.TrimSpace(string(text)) == "" {
		*r = Remote{}
		return nil
	}
	parsed, err := ParseRemote(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// EnrollmentRecord is one issued client, per §3.
type EnrollmentRecord struct {
	Name   string `toml:"name"`
	Pubkey Key32  `toml:"pubkey"`
	Remote Remote `toml:"remote"`
	Hash   *Key32 `toml:"hash,omitempty"`
	// SocksUsername is set at gen-cli time when --password was given
	// (§4.6, §6); a non-empty value means this client's dynamic-mode
	// traffic must complete SOCKS5 UserPass auth against the server's
	// PG_PASSWORD before a CONNECT is honored.
	SocksUsername string `toml:"socks_username,omitempty"`
}

// ServerConfig is the on-disk shape of the server's TOML config file (§6).
type ServerConfig struct {
	Host    string             `toml:"host"`
	Port    uint16             `toml:"port"`
	Remote  Remote             `toml:"remote"`
	Pubkey  Key32              `toml:"pubkey"`
	Prikey  Key32              `toml:"prikey"`
	Clients []EnrollmentRecord `toml:"clients"`
}

// Registry is the process-wide, mutex-guarded set of enrollment records
// (§4.4), backed by a ServerConfig loaded from and saved to path.
type Registry struct {
	mu     sync.RWMutex
	path   string
	config ServerConfig
}

// Load reads a Registry from a TOML file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrConfigParse, err)
	}
	var cfg ServerConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrConfigParse, err)
	}
	if err := validateNoDuplicates(cfg.Clients); err != nil {
		return nil, err
	}
	return &Registry{path: path, config: cfg}, nil
}

func validateNoDuplicates(clients []EnrollmentRecord) error {
	seen := make(map[Key32]struct{}, len(clients))
	for _, c := range clients {
		if _, ok := seen[c.Pubkey]; ok {
			return fmt.Errorf("%w: %x", pgerrors.ErrDuplicatePubkey, c.Pubkey)
		}
		seen[c.Pubkey] = struct{}{}
	}
	return nil
}

// Config returns a copy of the current server config.
func (r *Registry) Config() ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// SetIdentity stores the server's static keypair, used by gen-key.
func (r *Registry) SetIdentity(pub, priv Key32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Pubkey = pub
	r.config.Prikey = priv
}

// Lookup answers an admission query by static public key (§4.4, §4.3).
func (r *Registry) Lookup(pubkey [32]byte) (EnrollmentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.config.Clients {
		if Key32(pubkey) == c.Pubkey {
			return c, true
		}
	}
	return EnrollmentRecord{}, false
}

// Insert adds a new enrollment record, failing with ErrDuplicatePubkey if
// one already exists for that key.
func (r *Registry) Insert(rec EnrollmentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.config.Clients {
		if c.Pubkey == rec.Pubkey {
			return fmt.Errorf("%w: %x", pgerrors.ErrDuplicatePubkey, rec.Pubkey)
		}
	}
	r.config.Clients = append(r.config.Clients, rec)
	return nil
}

// Remove deletes the enrollment record for pubkey, if any.
func (r *Registry) Remove(pubkey [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.config.Clients[:0]
	for _, c := range r.config.Clients {
		if c.Pubkey != Key32(pubkey) {
			out = append(out, c)
		}
	}
	r.config.Clients = out
}

// Replace swaps in a fully-updated record (used by mod-cli after rekeying):
// the record enrolled under oldPubkey, the key being retired, is replaced
// wholesale by updated, which carries the new pubkey.
func (r *Registry) Replace(oldPubkey [32]byte, updated EnrollmentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.config.Clients {
		if c.Pubkey == Key32(oldPubkey) {
			r.config.Clients[i] = updated
			return nil
		}
	}
	return fmt.Errorf("registry: no enrollment for %x", oldPubkey)
}

// Save persists the registry to its backing file via write-temp-then-rename,
// avoiding torn reads per §4.4.
func (r *Registry) Save() error {
	r.mu.RLock()
	data, err := toml.Marshal(r.config)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %v", pgerrors.ErrConfigParse, err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".portguard-cfg-*")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename temp into place: %w", err)
	}
	return nil
}

// New creates an empty Registry backed by path (not yet saved).
func New(path string, host string, port uint16) *Registry {
	return &Registry{path: path, config: ServerConfig{Host: host, Port: port}}
}
