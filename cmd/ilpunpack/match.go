package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"ilpunpack/internal/il"
	"ilpunpack/internal/modfile"
	"ilpunpack/internal/stub"
)

// siteRecord is one protected call site found by match.
type siteRecord struct {
	Method string `json:"method"`
	Token  string `json:"token"`
	Kind   string `json:"kind"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Index  int32  `json:"index"`
}

func cmdMatch(args []string) error {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	cfgPath := fs.String("config", "", "TOML configuration file")
	in := fs.String("in", "", "protected module")
	jsonOut := fs.Bool("json", false, "output as JSON")
	level := fs.String("log-level", "", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	cfg, logger, err := loadConfig(*cfgPath, *level)
	if err != nil {
		return err
	}
	m, err := modfile.Load(*in)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	reg := stub.NewRegistry()
	h, err := stub.Resolve(m, cfg.FieldNames(), reg)
	if err != nil {
		return err
	}
	if !h.HasStrings() {
		logger.Debug("string protection not found")
	}
	mt := stub.NewMatcher(h, reg)

	var sites []siteRecord
	add := func(md *il.MethodDef, sm stub.Match) {
		sites = append(sites, siteRecord{
			Method: md.FullName(),
			Token:  md.Token.String(),
			Kind:   sm.Kind.String(),
			Start:  sm.Start,
			End:    sm.End,
			Index:  sm.Index,
		})
	}
	bodies, strs := 0, 0
	for _, t := range m.AllTypes() {
		for _, md := range t.Methods {
			if !md.HasBody() {
				continue
			}
			if sm, ok := mt.BodyStub(md.Body); ok {
				add(md, sm)
				bodies++
				continue
			}
			for _, sm := range mt.StringStubs(md.Body) {
				add(md, sm)
				strs++
			}
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sites)
	}

	for _, s := range sites {
		fmt.Printf("%s  %-11s #%-5d %s\n", colorAddr("%s", s.Token), s.Kind, s.Index, colorName(s.Method))
	}
	fmt.Fprintf(os.Stderr, "%d body stubs, %d string stubs, %d delegate types\n", bodies, strs, reg.Len())
	return nil
}
