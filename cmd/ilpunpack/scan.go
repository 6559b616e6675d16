package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"ilpunpack/internal/pex"
)

func cmdScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	exe := fs.String("exe", "", "path to the executable")
	jsonOut := fs.Bool("json", false, "output as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *exe == "" {
		return fmt.Errorf("--exe is required")
	}

	f, err := pex.Open(*exe)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	fmt.Fprintf(os.Stderr, "PE: %s, %d bytes\n", f.Machine(), f.Size())

	info, err := f.Inspect()
	if errors.Is(err, pex.ErrNotCLR) {
		fmt.Fprintf(os.Stderr, "%s no CLI header, not a managed module\n", colorWarn("warning:"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Machine:          %s\n", info.Machine)
	fmt.Printf("PE32+:            %v\n", info.Is64)
	fmt.Printf("Runtime version:  %s\n", colorName(info.RuntimeVersion))
	fmt.Printf("CLI header:       %s\n", info.CLRVersion)
	fmt.Printf("IL only:          %v\n", info.ILOnly)
	fmt.Printf("32-bit required:  %v\n", info.Requires32Bit)
	fmt.Printf("VTable fixups:    %v\n", info.VTableFixups)
	fmt.Printf("Entry token:      %s\n", colorAddr("0x%08x", info.EntryToken))
	fmt.Printf("Sections:         %d\n", len(info.Sections))
	for _, s := range info.Sections {
		fmt.Printf("  %-8s %s vsize=0x%x raw=0x%x\n", s.Name, colorAddr("0x%08x", s.VirtualAddress), s.VirtualSize, s.RawSize)
	}
	if info.VTableFixups || !info.ILOnly {
		fmt.Fprintf(os.Stderr, "%s mixed-mode image, unpacked output will use the native writer\n", colorWarn("note:"))
	}
	return nil
}
