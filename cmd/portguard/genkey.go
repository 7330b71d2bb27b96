package main

import (
	"flag"
	"fmt"
	"os"

	"portguard/internal/pgcrypto"
	"portguard/internal/registry"
)

// cmdGenKey implements `portguard gen-key -c <cfg>`: populate pubkey/prikey
// in cfg if absent (§6). A config that already has an identity is left
// untouched — the server's static identity is immutable once created (§3).
// gen-key is commonly the first command run against a fresh install, so a
// missing cfg file is created rather than treated as an error.
func cmdGenKey(args []string) error {
	fs := flag.NewFlagSet("gen-key", flag.ContinueOnError)
	cfgPath := fs.String("c", "", "path to server config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" {
		return fmt.Errorf("missing required -c <cfg>")
	}

	var reg *registry.Registry
	if _, err := os.Stat(*cfgPath); os.IsNotExist(err) {
		reg = registry.New(*cfgPath, "0.0.0.0", 4443)
	} else {
		reg, err = registry.Load(*cfgPath)
		if err != nil {
			return err
		}
	}

	if reg.Config().Pubkey != (registry.Key32{}) {
		fmt.Println("server identity already present; leaving unchanged")
		return nil
	}

	kp, err := pgcrypto.GenerateKeypair()
	if err != nil {
		return err
	}
	reg.SetIdentity(registry.Key32(kp.Public), registry.Key32(kp.Private))
	if err := reg.Save(); err != nil {
		return err
	}
	fmt.Printf("server identity generated, pubkey=%x\n", kp.Public)
	return nil
}
