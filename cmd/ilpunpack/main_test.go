package main

import (
	"flag"
	"io"
	"path/filepath"
	"testing"

	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
	"ilpunpack/internal/logging"
	"ilpunpack/internal/modfile"
)

func TestBoolFlagShorthand(t *testing.T) {
	tests := []struct {
		args []string
		want bool
		set  bool
	}{
		{nil, false, false},
		{[]string{"--noClean"}, true, true},
		{[]string{"-c"}, true, true},
		{[]string{"-c=false"}, false, true},
	}
	for _, tt := range tests {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		v := boolFlag(fs, "noClean", "c", "keep scaffolding")
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("Parse(%v): %v", tt.args, err)
		}
		if *v != tt.want {
			t.Errorf("%v: value = %v, want %v", tt.args, *v, tt.want)
		}
		if got := isSet(fs, "noClean", "c"); got != tt.set {
			t.Errorf("%v: isSet = %v, want %v", tt.args, got, tt.set)
		}
	}
}

func TestLoadConfigLevelOverride(t *testing.T) {
	cfg, logger, err := loadConfig("", "debug")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" || logger.GetLevel().String() != "debug" {
		t.Errorf("level = %q/%s, want debug", cfg.LogLevel, logger.GetLevel())
	}
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), ""); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestCmdMatch(t *testing.T) {
	f := iltest.New()
	gen := f.AddDelegate("", "D0", il.Prim(il.ElemI4), il.Prim(il.ElemI4), il.Prim(il.ElemI4))
	calc := f.AddType("App", "Calc", f.Object)
	i4 := il.Prim(il.ElemI4)
	f.AddMethod(calc, "Add", true, il.MethodSig{Ret: i4, Params: []il.TypeSig{i4, i4, i4}}, f.BodyStub(3, gen))

	path := filepath.Join(t.TempDir(), "App.json")
	if err := modfile.Save(path, f.Module, modfile.WriterOptions{PreserveMetadata: true, Logger: logging.New("error", io.Discard)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cmdMatch([]string{"--in", path, "--json", "--log-level", "error"}); err != nil {
		t.Errorf("cmdMatch: %v", err)
	}
}

func TestRequiredFlags(t *testing.T) {
	tests := []struct {
		name string
		run  func([]string) error
		args []string
	}{
		{"unpack without input", cmdUnpack, []string{"--dump", "x"}},
		{"unpack without dump", cmdUnpack, []string{"--in", "x"}},
		{"match without input", cmdMatch, nil},
		{"scan without exe", cmdScan, nil},
	}
	for _, tt := range tests {
		if err := tt.run(tt.args); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
