package stutter

import (
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/strtools/strcall/regions"
)

// Model files are TSVs with one locus per line and a header row naming
// the columns. WriteHeader and WriteModel produce the format that
// ReadModels consumes.

// WriteHeader writes the model file column header.
func WriteHeader(w *tsv.Writer) error {
	w.WriteString("Chrom\tStart\tStop\tPeriod\tInGeom\tInDown\tInUp\tOutGeom\tOutDown\tOutUp")
	return w.EndLine()
}

// WriteModel appends one model line for reg.
func WriteModel(w *tsv.Writer, reg regions.Region, m *Model) error {
	w.WriteString(reg.Chrom)
	w.WriteUint32(uint32(reg.Start))
	w.WriteUint32(uint32(reg.Stop))
	w.WriteUint32(uint32(m.Period))
	for _, p := range []float64{m.InGeom, m.InDown, m.InUp, m.OutGeom, m.OutDown, m.OutUp} {
		w.WriteString(strconv.FormatFloat(p, 'g', -1, 64))
	}
	return w.EndLine()
}

// ReadModels parses a model file written by WriteModel into a fresh
// Cache.
func ReadModels(r io.Reader) (*Cache, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true

	cache := NewCache()
	row := struct {
		Chrom   string
		Start   int
		Stop    int
		Period  int
		InGeom  float64
		InDown  float64
		InUp    float64
		OutGeom float64
		OutDown float64
		OutUp   float64
	}{}
	nLine := 0
	for {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("stutter.ReadModels: %v", err)
		}
		nLine++
		m := &Model{
			Period:  row.Period,
			InGeom:  row.InGeom,
			InUp:    row.InUp,
			InDown:  row.InDown,
			OutGeom: row.OutGeom,
			OutUp:   row.OutUp,
			OutDown: row.OutDown,
		}
		if err := m.Valid(); err != nil {
			return nil, fmt.Errorf("stutter.ReadModels: line %d: %v", nLine, err)
		}
		reg := regions.Region{Chrom: row.Chrom, Start: row.Start, Stop: row.Stop, Period: row.Period}
		cache.Add(reg, m)
	}
	return cache, nil
}

// ReadModelsFromPath is a wrapper for ReadModels that takes a path
// instead of an io.Reader. Paths ending in .gz are decompressed.
func ReadModelsFromPath(path string) (cache *Cache, err error) {
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
	return ReadModels(reader)
}
