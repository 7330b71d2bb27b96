package main

import (
	"flag"
	"fmt"
	"os"

	"portguard/internal/clientconfig"
	"portguard/internal/patch"
	"portguard/internal/pgcrypto"
	"portguard/internal/registry"
)

// cmdGenCli implements `portguard gen-cli -c <cfg> -o <out> [-i <in>]
// [-n <name>] [-s <sid>] [-t <target>] [--password]` (§4.1, §6): mint a
// fresh client keypair, insert its enrollment record into the server
// config, and patch a copy of a base image with the resulting embedded
// config.
//
// Mode is implied the same way §3 implies it from remote's shape:
//   - -t and -s both set:  reverse-register, remote = (target, sid).
//   - -s set, -t unset:    reverse-visit, remote = sid.
//   - -t set, -s unset:    forward mode; target "socks5" selects dynamic,
//     anything else selects static dial to that address.
func cmdGenCli(args []string) error {
	fs := flag.NewFlagSet("gen-cli", flag.ContinueOnError)
	cfgPath := fs.String("c", "", "path to server config file")
	outPath := fs.String("o", "", "path to write the issued client binary")
	inPath := fs.String("i", "", "path to a base (unpatched) client binary; defaults to this binary")
	name := fs.String("n", "", "human label for the enrollment record")
	sid := fs.Uint("s", 0, "service id (reverse-register / reverse-visit)")
	target := fs.String("t", "", "forward target addr, \"socks5\", or register-mode local egress")
	password := fs.Bool("password", false, "require SOCKS5 username/password auth for this client's dynamic-mode traffic")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" || *outPath == "" {
		return fmt.Errorf("missing required -c <cfg> and -o <out>")
	}

	reg, err := registry.Load(*cfgPath)
	if err != nil {
		return err
	}
	srv := reg.Config()
	if srv.Pubkey == (registry.Key32{}) {
		return fmt.Errorf("server has no identity yet; run gen-key first")
	}

	kp, err := pgcrypto.GenerateKeypair()
	if err != nil {
		return err
	}

	var remote registry.Remote
	var mode clientconfig.Mode
	var innerPeer [32]byte
	switch {
	case *target != "" && *sid != 0:
		mode = clientconfig.ModeReverseRegister
		remote = registry.Remote{Kind: registry.RemoteReverseRegister, Addr: *target, ServiceID: uint32(*sid)}
	case *sid != 0:
		mode = clientconfig.ModeReverseVisit
		remote = registry.Remote{Kind: registry.RemoteReverseVisit, ServiceID: uint32(*sid)}
		peer, ok := findRegisterPubkey(srv.Clients, uint32(*sid))
		if !ok {
			return fmt.Errorf("no register-client enrolled for service id %d yet", *sid)
		}
		innerPeer = peer
	case *target == "socks5":
		mode = clientconfig.ModeForwardDynamic
		remote = registry.Remote{Kind: registry.RemoteSocks5}
	case *target != "":
		mode = clientconfig.ModeForwardStatic
		remote = registry.Remote{Kind: registry.RemoteAddr, Addr: *target}
	default:
		return fmt.Errorf("one of -t or -s must be given")
	}

	rec := registry.EnrollmentRecord{
		Name:   *name,
		Pubkey: registry.Key32(kp.Public),
		Remote: remote,
	}
	if *password && mode == clientconfig.ModeForwardDynamic {
		rec.SocksUsername = *name
	}
	if err := reg.Insert(rec); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return err
	}

	base := *inPath
	if base == "" {
		base, err = os.Executable()
		if err != nil {
			return fmt.Errorf("locate base image: %w", err)
		}
	}
	image, err := os.ReadFile(base)
	if err != nil {
		return fmt.Errorf("read base image: %w", err)
	}
	section, err := patch.ReadSection(image)
	if err != nil {
		return err
	}

	cc := clientconfig.Config{
		ServerHost:         srv.Host,
		ServerPort:         srv.Port,
		ServerStaticPublic: [32]byte(srv.Pubkey),
		ClientPublic:       kp.Public,
		ClientPrivate:      kp.Private,
		Mode:               mode,
		ServiceID:          uint32(*sid),
		Target:             *target,
		InnerPeerStatic:    innerPeer,
	}
	blob, err := clientconfig.Encode(cc, len(section))
	if err != nil {
		return err
	}
	patched, err := patch.Patch(image, blob)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, patched, 0o755); err != nil {
		return fmt.Errorf("write issued client: %w", err)
	}

	fmt.Printf("issued client %q pubkey=%x -> %s\n", *name, kp.Public, *outPath)
	return nil
}

func findRegisterPubkey(clients []registry.EnrollmentRecord, sid uint32) ([32]byte, bool) {
	for _, c := range clients {
		if c.Remote.Kind == registry.RemoteReverseRegister && c.Remote.ServiceID == sid {
			return [32]byte(c.Pubkey), true
		}
	}
	return [32]byte{}, false
}
