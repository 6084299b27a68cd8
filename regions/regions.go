// Package regions loads and represents short tandem repeat (STR) loci.
//
// A region file is a BED-like TSV with one locus per line:
//
//	chrom  start  stop  period  [refCopies  [name]]
//
// start and stop are 1-based and inclusive, the convention used by common
// STR reference panels. The optional fifth column (repeat copies in the
// reference) is accepted and ignored; the optional sixth column names the
// locus. Files ending in .gz are decompressed on the fly.
package regions

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Region is one STR locus.
type Region struct {
	Chrom  string
	Start  int // 1-based, inclusive
	Stop   int // 1-based, inclusive
	Period int // repeat unit length in bp
	Name   string
}

// Key returns the "chrom:start-stop" string identifying the region's exact
// coordinates. Stutter model caches are keyed by this string.
func (r Region) Key() string {
	return fmt.Sprintf("%s:%d-%d", r.Chrom, r.Start, r.Stop)
}

// Span returns the number of reference bases the region covers.
func (r Region) Span() int {
	return r.Stop - r.Start + 1
}

func (r Region) String() string {
	if r.Name == "" {
		return r.Key()
	}
	return r.Key() + " (" + r.Name + ")"
}

// ReadBED parses STR regions from reader, one locus per line. Blank lines
// are skipped. Malformed lines are errors.
func ReadBED(reader io.Reader) ([]Region, error) {
	scanner := bufio.NewScanner(reader)
	var regs []Region
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, errors.Errorf("regions.ReadBED: line %d has %d columns, expected at least 4", lineIdx, len(fields))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "regions.ReadBED: bad start coordinate on line %d", lineIdx)
		}
		stop, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "regions.ReadBED: bad stop coordinate on line %d", lineIdx)
		}
		period, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, errors.Wrapf(err, "regions.ReadBED: bad period on line %d", lineIdx)
		}
		if start <= 0 || stop < start {
			return nil, errors.Errorf("regions.ReadBED: invalid coordinate pair %d-%d on line %d", start, stop, lineIdx)
		}
		if period <= 0 {
			return nil, errors.Errorf("regions.ReadBED: invalid period %d on line %d", period, lineIdx)
		}
		reg := Region{Chrom: fields[0], Start: start, Stop: stop, Period: period}
		if len(fields) >= 6 {
			reg.Name = fields[5]
		}
		regs = append(regs, reg)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "regions.ReadBED: couldn't read region data")
	}
	return regs, nil
}

// ReadBEDFromPath is a wrapper for ReadBED that takes a path instead of an
// io.Reader.
func ReadBEDFromPath(path string) (regs []Region, err error) {
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
	return ReadBED(reader)
}

// SortRegions orders regs by (chrom, start, stop).
func SortRegions(regs []Region) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Chrom != regs[j].Chrom {
			return regs[i].Chrom < regs[j].Chrom
		}
		if regs[i].Start != regs[j].Start {
			return regs[i].Start < regs[j].Start
		}
		return regs[i].Stop < regs[j].Stop
	})
}
