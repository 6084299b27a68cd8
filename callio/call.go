package callio

import (
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/strtools/strcall/genotype"
)

const vcfMissing = "."

// CallWriter encodes genotype records as VCF-style TSV: the eight fixed
// columns, then FORMAT and one column per sample. The sample column
// order is fixed at construction; records arriving from concurrent
// workers are serialized, so rows follow completion order, not genomic
// order.
type CallWriter struct {
	mu      sync.Mutex
	out     *output
	samples []string
	index   map[string]int
}

// NewCallWriter creates path (gzipped if it ends in .gz) and writes the
// header row. samples fixes the genotype columns; a record's samples
// outside this list are dropped, and listed samples without a call in a
// record are written as missing. With no samples the writer emits
// no-genotype records, which is what AlleleWriter builds on.
func NewCallWriter(path string, samples []string) (*CallWriter, error) {
	out, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	w := &CallWriter{out: out, samples: samples, index: make(map[string]int, len(samples))}
	for i, s := range samples {
		w.index[s] = i
	}
	header := "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"
	if len(samples) > 0 {
		header += "\tFORMAT\t" + strings.Join(samples, "\t")
	}
	out.w.WriteString(header)
	if err := out.w.EndLine(); err != nil {
		return nil, errors.E(err, "error writing header:", path)
	}
	return w, nil
}

// WriteCall appends one record for c.
func (w *CallWriter) WriteCall(c *genotype.Call) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.out.w
	t.WriteString(c.Region.Chrom)
	t.WriteUint32(uint32(c.Region.Start))
	if c.Region.Name != "" {
		t.WriteString(c.Region.Name)
	} else {
		t.WriteString(vcfMissing)
	}
	t.WriteString(c.RefAllele)
	if len(c.AltAlleles) > 0 {
		t.WriteString(strings.Join(c.AltAlleles, ","))
	} else {
		t.WriteString(vcfMissing)
	}
	t.WriteString(vcfMissing) // QUAL
	t.WriteString(vcfMissing) // FILTER
	t.WriteString("START=" + strconv.Itoa(c.Region.Start) +
		";END=" + strconv.Itoa(c.Region.Stop) +
		";PERIOD=" + strconv.Itoa(c.Region.Period))
	if len(w.samples) > 0 {
		t.WriteString(formatOf(c))
		cols := make([]string, len(w.samples))
		for i := range cols {
			cols[i] = vcfMissing
		}
		for i := range c.Samples {
			sc := &c.Samples[i]
			if j, ok := w.index[sc.Sample]; ok {
				cols[j] = encodeSample(sc)
			}
		}
		for _, col := range cols {
			t.WriteString(col)
		}
	}
	if err := t.EndLine(); err != nil {
		return errors.E(err, "error writing call record:", w.out.path)
	}
	return nil
}

// Close flushes buffered records and closes the underlying file.
func (w *CallWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.close()
}

// formatOf derives the FORMAT string from the fields the record
// carries. Optional subfields appear only when populated.
func formatOf(c *genotype.Call) string {
	f := "GT:Q"
	if len(c.Samples) == 0 {
		return f + ":DP"
	}
	sc := &c.Samples[0]
	if sc.GLs != nil {
		f += ":GL"
	}
	if sc.PLs != nil {
		f += ":PL"
	}
	if sc.Reads != nil {
		f += ":ALLREADS"
	}
	return f + ":DP"
}

func encodeSample(sc *genotype.SampleCall) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(sc.Alleles[0]))
	if !sc.Haploid {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(sc.Alleles[1]))
	}
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(sc.Quality, 'f', 3, 64))
	if sc.GLs != nil {
		b.WriteByte(':')
		for i, gl := range sc.GLs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(gl, 'f', 2, 64))
		}
	}
	if sc.PLs != nil {
		b.WriteByte(':')
		for i, pl := range sc.PLs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(pl))
		}
	}
	if sc.Reads != nil {
		b.WriteByte(':')
		if len(sc.Reads) == 0 {
			b.WriteString(vcfMissing)
		} else {
			b.WriteString(strings.Join(sc.Reads, ","))
		}
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(sc.Depth))
	return b.String()
}

// AlleleWriter writes candidate-allele records: the CallWriter row
// layout with no genotype columns.
type AlleleWriter struct {
	cw *CallWriter
}

// NewAlleleWriter creates path and writes the no-genotype header.
func NewAlleleWriter(path string) (*AlleleWriter, error) {
	cw, err := NewCallWriter(path, nil)
	if err != nil {
		return nil, err
	}
	return &AlleleWriter{cw: cw}, nil
}

// WriteAlleles appends one no-genotype record for c.
func (w *AlleleWriter) WriteAlleles(c *genotype.Call) error {
	return w.cw.WriteCall(c)
}

// Close flushes buffered records and closes the underlying file.
func (w *AlleleWriter) Close() error {
	return w.cw.Close()
}
