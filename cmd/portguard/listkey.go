package main

import (
	"flag"
	"fmt"

	"portguard/internal/clientrt"
)

// cmdListKey implements `portguard list-key`, invoked on a client binary
// (§6): print its own embedded public key without dialing anything.
func cmdListKey(args []string) error {
	fs := flag.NewFlagSet("list-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := clientrt.Bootstrap()
	if err != nil {
		return err
	}
	fmt.Printf("%x\n", cfg.ClientPublic)
	return nil
}
