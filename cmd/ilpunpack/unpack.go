package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"ilpunpack/internal/modfile"
	"ilpunpack/internal/output"
	"ilpunpack/internal/stub"
	"ilpunpack/internal/unpack"
)

func cmdUnpack(args []string) error {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)
	cfgPath := fs.String("config", "", "TOML configuration file")
	in := fs.String("in", "", "protected module")
	dumpPath := fs.String("dump", "", "original body dump")
	out := fs.String("out", "", "output path (default <name>-Unpacked<ext>)")
	noClean := boolFlag(fs, "noClean", "c", "keep the protection scaffolding")
	preserve := boolFlag(fs, "preserveMD", "p", "keep original metadata tokens")
	keepPE := boolFlag(fs, "keepPE", "k", "keep native extras")
	report := fs.String("report", "", "write a JSON run report")
	graphDir := fs.String("graph", "", "write DOT graphs to this directory")
	listing := fs.String("listing", "", "write the IL of restored methods")
	level := fs.String("log-level", "", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}
	if *dumpPath == "" {
		return fmt.Errorf("--dump is required")
	}

	cfg, logger, err := loadConfig(*cfgPath, *level)
	if err != nil {
		return err
	}
	if isSet(fs, "noClean", "c") {
		cfg.NoCleanup = *noClean
	}
	if isSet(fs, "preserveMD", "p") {
		cfg.PreserveMetadata = *preserve
	}
	if isSet(fs, "keepPE", "k") {
		cfg.KeepNativeExtras = *keepPE
	}

	job := unpack.Job{
		Input:  *in,
		Dump:   *dumpPath,
		Output: *out,
		Options: unpack.Options{
			NoCleanup:        cfg.NoCleanup,
			Fields:           cfg.FieldNames(),
			Prune:            cfg.PruneOptions(),
			ExpectedCLRMajor: cfg.ExpectedCLRMajor,
		},
		Writer: modfile.WriterOptions{
			PreserveMetadata: cfg.PreserveMetadata,
			KeepNativeExtras: cfg.KeepNativeExtras,
		},
	}

	res, err := unpack.RunJob(job, logger)
	if err != nil {
		if errors.Is(err, stub.ErrNotProtected) {
			fmt.Fprintf(os.Stderr, "%s %s\n", colorErr("not protected:"), *in)
		}
		return err
	}

	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "%s %s\n", colorWarn("warning:"), w)
	}
	for _, d := range res.Diags {
		fmt.Fprintf(os.Stderr, "%s %s\n", colorWarn("skipped:"), d)
	}
	fmt.Fprintf(os.Stderr, "%s\n", colorOK(fmt.Sprintf(
		"Successfully restored %d method bodies and decrypted %d strings.",
		res.MethodsRestored, res.StringsDecrypted)))
	fmt.Fprintf(os.Stderr, "wrote %s\n", colorName(res.Output))

	r := output.NewReport(res)
	if *report != "" {
		if err := output.WriteReport(*report, r); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", *report)
	}
	if *graphDir != "" {
		if err := os.MkdirAll(*graphDir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", *graphDir, err)
		}
		n, err := output.WriteGraphs(*graphDir, res)
		if err != nil {
			return err
		}
		if err := output.WritePayloads(filepath.Join(*graphDir, "payloads"), r.Payloads); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d DOT files to %s\n", n, *graphDir)
	}
	if *listing != "" {
		if err := output.WriteListing(*listing, res.Restored); err != nil {
			return fmt.Errorf("write listing: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d methods)\n", *listing, len(res.Restored))
	}
	return nil
}
