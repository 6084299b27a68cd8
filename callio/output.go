// Package callio implements the output sinks of a genotyping run:
// VCF-style call and allele writers, a stutter model writer, a per-read
// alignment dump and a reference allele panel. Writers create their
// files through base/file, compress transparently when the path ends in
// .gz, and serialize writes so concurrent locus workers can share them.
package callio

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// output bundles a created file with the optional gzip layer and the
// TSV encoder on top of it.
type output struct {
	ctx  context.Context
	path string
	f    file.File
	gz   *gzip.Writer
	w    *tsv.Writer
}

func createOutput(path string) (*output, error) {
	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't create output file:", path)
	}
	o := &output{ctx: ctx, path: path, f: f}
	w := io.Writer(f.Writer(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		o.gz = gzip.NewWriter(w)
		w = o.gz
	}
	o.w = tsv.NewWriter(w)
	return o, nil
}

// close flushes the TSV and gzip layers, then closes the file.
func (o *output) close() (err error) {
	defer file.CloseAndReport(o.ctx, o.f, &err)
	if err = o.w.Flush(); err != nil {
		return errors.E(err, "error flushing output file:", o.path)
	}
	if o.gz != nil {
		if err = o.gz.Close(); err != nil {
			return errors.E(err, "error closing gzip stream:", o.path)
		}
	}
	return nil
}
