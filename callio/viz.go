package callio

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/strtools/strcall/genotype"
	"github.com/strtools/strcall/regions"
)

// VizWriter dumps the maximum-likelihood read/haplotype alignments of
// each genotyped locus, one read per line, for later rendering. The
// dumps get large, so the output is always gzipped and the path must
// end in .gz.
type VizWriter struct {
	mu  sync.Mutex
	out *output
}

// NewVizWriter creates path and writes the column header.
func NewVizWriter(path string) (*VizWriter, error) {
	if fileio.DetermineType(path) != fileio.Gzip {
		return nil, errors.E("alignment viz path must end in .gz:", path)
	}
	out, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	out.w.WriteString("Chrom\tStart\tStop\tSample\tRead\tHaplotype\tMeanQual\tReadAln\tHapAln")
	if err := out.w.EndLine(); err != nil {
		return nil, errors.E(err, "error writing header:", path)
	}
	return &VizWriter{out: out}, nil
}

// WriteAlignments appends one line per alignment for reg.
func (w *VizWriter) WriteAlignments(reg regions.Region, alns []genotype.VizAlignment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.out.w
	for i := range alns {
		a := &alns[i]
		t.WriteString(reg.Chrom)
		t.WriteUint32(uint32(reg.Start))
		t.WriteUint32(uint32(reg.Stop))
		t.WriteString(a.Sample)
		t.WriteString(a.Read)
		t.WriteUint32(uint32(a.Haplotype))
		t.WriteUint32(uint32(a.MeanQual))
		t.WriteString(a.ReadAln)
		t.WriteString(a.HapAln)
		if err := t.EndLine(); err != nil {
			return errors.E(err, "error writing alignment viz:", w.out.path)
		}
	}
	return nil
}

// Close flushes buffered lines and closes the underlying file.
func (w *VizWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.close()
}
