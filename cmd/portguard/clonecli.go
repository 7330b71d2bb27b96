package main

import (
	"flag"
	"fmt"
	"os"

	"portguard/internal/patch"
	"portguard/internal/pgerrors"
)

// cmdCloneCli implements `portguard clone-cli -i <in> -o <out>` (§4.1):
// copy the embedded config section verbatim from one client binary into
// another, without regenerating any key material. -o must already be a
// built (possibly different-platform) base image carrying a same-size
// reserved section; clone-cli only ever touches that section's bytes.
func cmdCloneCli(args []string) error {
	fs := flag.NewFlagSet("clone-cli", flag.ContinueOnError)
	inPath := fs.String("i", "", "path to the source client binary")
	outPath := fs.String("o", "", "path to the destination base image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *outPath == "" {
		return fmt.Errorf("missing required -i <in> and -o <out>")
	}

	srcImage, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read source image: %w", err)
	}
	section, err := patch.ReadSection(srcImage)
	if err != nil {
		return err
	}

	dstImage, err := os.ReadFile(*outPath)
	if err != nil {
		return fmt.Errorf("read destination image: %w", err)
	}
	if patch.DetectFormat(srcImage) != patch.DetectFormat(dstImage) {
		return fmt.Errorf("%w: source and destination images are different binary formats", pgerrors.ErrUnsupportedFormat)
	}
	patched, err := patch.Patch(dstImage, section)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, patched, 0o755); err != nil {
		return fmt.Errorf("write destination image: %w", err)
	}

	fmt.Printf("cloned embedded config from %s into %s\n", *inPath, *outPath)
	return nil
}
