package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "unpack":
		err = cmdUnpack(os.Args[2:])
	case "match":
		err = cmdMatch(os.Args[2:])
	case "scan":
		err = cmdScan(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ilpunpack — restores method bodies and strings of IL-protected modules

Usage:
  ilpunpack unpack --in <module> --dump <bodies> [--out <path>]   Restore, clean up and write the module
  ilpunpack match  --in <module> [--json]                         List protected call sites without changing anything
  ilpunpack scan   --exe <path> [--json]                          Print the PE/CLR header of an executable
  ilpunpack help                                                  Show this help

Unpack flags:
  --config <file>     TOML configuration (flags override it)
  --noClean, -c       keep the protection scaffolding
  --preserveMD, -p    keep original metadata tokens
  --keepPE, -k        keep native extras (native-mode modules only)
  --report <file>     write a JSON run report
  --graph <dir>       write call graph and CFG DOT files
  --listing <file>    write the IL of every restored method
  --log-level <lvl>   debug, info, warn or error
`)
}
