package callio

import (
	"fmt"
	"io"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/strtools/strcall/regions"
)

type panelKey struct {
	chrom string
	start int
	stop  int
	entry *panelEntry
}

// Compare orders panel keys by chromosome, then start, then stop, for
// use in llrb.
func (k panelKey) Compare(c llrb.Comparable) int {
	k2 := c.(panelKey)
	if k.chrom != k2.chrom {
		if k.chrom < k2.chrom {
			return -1
		}
		return 1
	}
	if d := k.start - k2.start; d != 0 {
		return d
	}
	return k.stop - k2.stop
}

type panelEntry struct {
	alleles []string
}

// Panel holds reference-panel alternate alleles keyed by locus
// coordinates. It is built once by ReadPanel and read-only afterwards,
// so lookups are safe from concurrent locus workers. Panel implements
// genotype.PanelSource.
type Panel struct {
	byRegion llrb.Tree
}

// Alleles returns the alleles recorded for reg: an exact coordinate
// match when one exists, otherwise a panel locus on the same chromosome
// that overlaps reg, preferring the closest one starting at or before
// it. Returns nil when the panel has no such entry. Callers must not
// modify the returned slice.
func (p *Panel) Alleles(reg regions.Region) []string {
	k := panelKey{chrom: reg.Chrom, start: reg.Start, stop: reg.Stop}
	if c := p.byRegion.Get(k); c != nil {
		return c.(panelKey).entry.alleles
	}
	if c := p.byRegion.Floor(k); c != nil {
		if k2 := c.(panelKey); k2.chrom == reg.Chrom && k2.stop >= reg.Start && k2.start <= reg.Stop {
			return k2.entry.alleles
		}
	}
	if c := p.byRegion.Ceil(k); c != nil {
		if k2 := c.(panelKey); k2.chrom == reg.Chrom && k2.stop >= reg.Start && k2.start <= reg.Stop {
			return k2.entry.alleles
		}
	}
	return nil
}

// Len returns the number of panel loci.
func (p *Panel) Len() int {
	return p.byRegion.Len()
}

func (p *Panel) add(chrom string, start, stop int, alleles []string) {
	p.byRegion.Insert(panelKey{chrom: chrom, start: start, stop: stop,
		entry: &panelEntry{alleles: alleles}})
}

// ReadPanel parses a panel TSV with a Chrom/Start/Stop/Alleles header
// row, Alleles being a comma-separated list of alternate allele
// sequences. Coordinates are 1-based inclusive, matching the regions
// BED reader's output.
func ReadPanel(r io.Reader) (*Panel, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true

	p := &Panel{}
	row := struct {
		Chrom   string
		Start   int
		Stop    int
		Alleles string
	}{}
	nLine := 0
	for {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("callio.ReadPanel: %v", err)
		}
		nLine++
		if row.Start < 1 || row.Stop < row.Start {
			return nil, fmt.Errorf("callio.ReadPanel: line %d: bad interval %d-%d", nLine, row.Start, row.Stop)
		}
		var alleles []string
		for _, a := range strings.Split(row.Alleles, ",") {
			if a = strings.TrimSpace(a); a != "" {
				alleles = append(alleles, a)
			}
		}
		if len(alleles) == 0 {
			return nil, fmt.Errorf("callio.ReadPanel: line %d: no alleles", nLine)
		}
		p.add(row.Chrom, row.Start, row.Stop, alleles)
	}
	return p, nil
}

// ReadPanelFromPath is a wrapper for ReadPanel that takes a path
// instead of an io.Reader. Paths ending in .gz are decompressed.
func ReadPanelFromPath(path string) (panel *Panel, err error) {
	ctx := vcontext.Background()
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(in.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return ReadPanel(reader)
}
