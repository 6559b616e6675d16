package unpack

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/dump"
	"ilpunpack/internal/modfile"
)

// Job is one unpack of a module image on disk.
type Job struct {
	Input  string // module image
	Dump   string // body dump
	Output string // defaults to OutputPath(Input)

	Options Options
	Writer  modfile.WriterOptions
}

// OutputPath returns the default output path for input:
// dir/name.ext becomes dir/name-Unpacked.ext.
func OutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "-Unpacked" + ext
}

// RunJob loads the module and dump, unpacks, and saves the result. Nothing
// is written unless the whole run succeeds.
func RunJob(job Job, logger log.FieldLogger) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, diag.Wrap(diag.FatalIOOrFormat, errors.Errorf("unpack: internal error: %v", r))
		}
	}()
	if logger == nil {
		logger = log.StandardLogger()
	}
	out := job.Output
	if out == "" {
		out = OutputPath(job.Input)
	}

	logger.Info("loading module")
	m, err := modfile.Load(job.Input)
	if err != nil {
		return nil, diag.Wrap(diag.FatalIOOrFormat, errors.Wrapf(err, "load %s", job.Input))
	}
	p, err := dump.Load(job.Dump, m)
	if err != nil {
		return nil, diag.Wrap(diag.FatalIOOrFormat, errors.Wrapf(err, "load dump %s", job.Dump))
	}

	u := New(m, p, job.Options, logger)
	res, err = u.Run()
	if err != nil {
		return nil, err
	}
	res.Input, res.Output = job.Input, out

	wopts := job.Writer
	if wopts.Logger == nil {
		wopts.Logger = u.Log
	}
	if wopts.KeepNativeExtras && !modfile.NativeMode(m) {
		u.Log.Debug("module is IL-only, native extras are not kept")
	}
	u.Log.Info("writing module")
	if err := modfile.Save(out, m, wopts); err != nil {
		return nil, diag.Wrap(diag.FatalIOOrFormat, errors.Wrapf(err, "write %s", out))
	}
	return res, nil
}
