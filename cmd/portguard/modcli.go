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

// cmdModCli implements `portguard mod-cli -c <cfg> -i <bin>` (§4.1, §6):
// regenerate a client's keypair in place and update the server's registry
// to match, as a single transaction — either both the binary and the
// registry are updated, or neither is (see DESIGN.md's resolution of the
// corresponding Open Question).
func cmdModCli(args []string) error {
	fs := flag.NewFlagSet("mod-cli", flag.ContinueOnError)
	cfgPath := fs.String("c", "", "path to server config file")
	binPath := fs.String("i", "", "path to the client binary to rekey")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" || *binPath == "" {
		return fmt.Errorf("missing required -c <cfg> and -i <bin>")
	}

	reg, err := registry.Load(*cfgPath)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(*binPath)
	if err != nil {
		return fmt.Errorf("read client binary: %w", err)
	}
	section, err := patch.ReadSection(image)
	if err != nil {
		return err
	}
	cc, err := clientconfig.Decode(section)
	if err != nil {
		return err
	}
	oldPubkey := cc.ClientPublic

	kp, err := pgcrypto.GenerateKeypair()
	if err != nil {
		return err
	}
	cc.ClientPublic = kp.Public
	cc.ClientPrivate = kp.Private

	blob, err := clientconfig.Encode(cc, len(section))
	if err != nil {
		return err
	}
	patched, err := patch.Patch(image, blob)
	if err != nil {
		return err
	}

	rec, ok := reg.Lookup(oldPubkey)
	if !ok {
		return fmt.Errorf("no enrollment found for this binary's current pubkey %x", oldPubkey)
	}
	rec.Pubkey = registry.Key32(kp.Public)
	if err := reg.Replace(oldPubkey, rec); err != nil {
		return err
	}

	// Only after both in-memory updates succeeded do we touch disk, and the
	// binary is written first: if the registry Save then fails, the original
	// binary bytes are written back, so the on-disk registry and binary keep
	// agreeing on the old pubkey.
	if err := os.WriteFile(*binPath, patched, 0o755); err != nil {
		return fmt.Errorf("write rekeyed binary: %w", err)
	}
	if err := reg.Save(); err != nil {
		if rerr := os.WriteFile(*binPath, image, 0o755); rerr != nil {
			return fmt.Errorf("registry save failed (%v) and restoring the original binary failed, registry and binary now disagree: %w", err, rerr)
		}
		return fmt.Errorf("registry save failed, original binary restored: %w", err)
	}

	fmt.Printf("rekeyed client: old pubkey=%x new pubkey=%x\n", oldPubkey, kp.Public)
	return nil
}
