package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRemoteShapes(t *testing.T) {
	cases := []struct {
		in   string
		want Remote
	}{
		{"127.0.0.1:5201", Remote{Kind: RemoteAddr, Addr: "127.0.0.1:5201"}},
		{"socks5", Remote{Kind: RemoteSocks5}},
		{"127.0.0.1:5201@7", Remote{Kind: RemoteReverseRegister, Addr: "127.0.0.1:5201", ServiceID: 7}},
		{"socks5@7", Remote{Kind: RemoteReverseRegister, Addr: "socks5", ServiceID: 7}},
		{"7", Remote{Kind: RemoteReverseVisit, ServiceID: 7}},
	}
	for _, c := range cases {
		got, err := ParseRemote(c.in)
		if err != nil {
			t.Fatalf("ParseRemote(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseRemote(%q) = %+v, want %+v", c.in, got, c.want)
		}
		if got.String() != c.in {
			t.Fatalf("String() round trip: got %q, want %q", got.String(), c.in)
		}
	}
}

func TestRegistryInsertLookupRemove(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "server.toml"), "0.0.0.0", 4443)

	var pub Key32
	pub[0] = 0xAB
	rec := EnrollmentRecord{Name: "alice", Pubkey: pub, Remote: Remote{Kind: RemoteAddr, Addr: "127.0.0.1:5201"}}

	if err := r.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert(rec); err == nil {
		t.Fatal("expected ErrDuplicatePubkey on second insert")
	}

	got, ok := r.Lookup([32]byte(pub))
	if !ok {
		t.Fatal("Lookup did not find inserted record")
	}
	if got.Name != "alice" {
		t.Fatalf("got name %q, want alice", got.Name)
	}

	r.Remove([32]byte(pub))
	if _, ok := r.Lookup([32]byte(pub)); ok {
		t.Fatal("record still present after Remove")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	r := New(path, "0.0.0.0", 4443)
	r.SetIdentity(Key32{1, 2, 3}, Key32{4, 5, 6})

	var pub Key32
	pub[0] = 0xCD
	if err := r.Insert(EnrollmentRecord{
		Name:   "bob",
		Pubkey: pub,
		Remote: Remote{Kind: RemoteReverseRegister, Addr: "socks5", ServiceID: 3},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := loaded.Config()
	if cfg.Host != "0.0.0.0" || cfg.Port != 4443 {
		t.Fatalf("unexpected host/port: %+v", cfg)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].Name != "bob" {
		t.Fatalf("unexpected clients: %+v", cfg.Clients)
	}
	if cfg.Clients[0].Remote.Kind != RemoteReverseRegister || cfg.Clients[0].Remote.ServiceID != 3 {
		t.Fatalf("remote not round-tripped: %+v", cfg.Clients[0].Remote)
	}
}

func TestLoadRejectsDuplicatePubkey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	pubkeyHex := strings.Repeat("0", 63) + "a"
	data := []byte(`
host = "0.0.0.0"
port = 4443

[[clients]]
name = "a"
pubkey = "` + pubkeyHex + `"
remote = "socks5"

[[clients]]
name = "b"
pubkey = "` + pubkeyHex + `"
remote = "socks5"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected ErrDuplicatePubkey")
	}
}
