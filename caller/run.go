// Package caller drives STR genotyping end to end: it loads the target
// regions, fetches and pairs the reads overlapping each locus, collapses
// PCR duplicates, and hands one locus at a time to the genotyping
// pipeline in package locus.
package caller

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
	"github.com/strtools/strcall/callio"
	"github.com/strtools/strcall/dedup"
	"github.com/strtools/strcall/locus"
	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
)

var rgTag = sam.Tag{'R', 'G'}

// regionFetchPad widens each locus fetch so that mates mapped near, but
// not over, the repeat are seen and duplicate removal can key on both
// fragment ends.
const regionFetchPad = 1000

type runner struct {
	opts     *Opts
	provider bamprovider.Provider
	refs     map[string]*sam.Reference
	genome   *refGenome

	// buckets[g] names the sample whose reads land in group g.
	// bucketByRG maps read group IDs to buckets; nil means all reads
	// share bucket 0.
	buckets    []string
	bucketByRG map[string]int

	dedup     *dedup.Deduplicator
	proc      *locus.Processor
	totalDups int64
}

// Run genotypes every STR region in opts.BedPath using the alignments
// in bamPath and the reference genome in faPath.
func Run(ctx context.Context, bamPath, faPath string, opts Opts) (err error) {
	if opts.BedPath == "" {
		return fmt.Errorf("caller: no STR regions file supplied")
	}
	if opts.CallsPath == "" && opts.AllelesPath == "" && opts.StutterOutPath == "" {
		return fmt.Errorf("caller: no outputs requested; set a calls, alleles, or stutter model path")
	}
	if opts.StutterInPath != "" && opts.StutterOutPath != "" {
		return fmt.Errorf("caller: cannot both load and train stutter models")
	}
	if opts.VizPath != "" && !opts.UseSeqAligner {
		return fmt.Errorf("caller: alignment visualization requires the sequence genotyper")
	}

	regs, err := regions.ReadBEDFromPath(opts.BedPath)
	if err != nil {
		return err
	}
	regions.SortRegions(regs)
	log.Printf("Loaded %d STR regions from %s", len(regs), opts.BedPath)
	if len(regs) == 0 {
		return nil
	}

	provider := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: opts.BamIndexPath})
	defer func() {
		if cerr := provider.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	header, err := provider.GetHeader()
	if err != nil {
		return err
	}
	refs := make(map[string]*sam.Reference)
	for _, ref := range header.Refs() {
		refs[ref.Name()] = ref
	}

	buckets, bucketByRG, ded, err := buildBuckets(header, &opts, bamPath)
	if err != nil {
		return err
	}
	log.Debug.Printf("Genotyping %d sample(s): %s", len(buckets), strings.Join(buckets, ","))

	fa, closeGenome, err := openGenome(ctx, faPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeGenome(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	lopts := opts.locusOpts()
	proc := &locus.Processor{Opts: lopts, Stats: new(locus.Stats)}
	if opts.StutterInPath != "" {
		models, merr := stutter.ReadModelsFromPath(opts.StutterInPath)
		if merr != nil {
			return merr
		}
		log.Printf("Loaded %d stutter models from %s", models.Len(), opts.StutterInPath)
		proc.Models = models
	}
	if opts.PanelPath != "" {
		panel, perr := callio.ReadPanelFromPath(opts.PanelPath)
		if perr != nil {
			return perr
		}
		log.Printf("Loaded reference panel with %d loci from %s", panel.Len(), opts.PanelPath)
		proc.Panel = panel
	}

	var closers []func() error
	defer func() {
		for _, c := range closers {
			if cerr := c(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()
	if opts.CallsPath != "" {
		sampleCols := lopts.SamplesToGenotype
		if sampleCols == nil {
			sampleCols = buckets
		}
		cw, cerr := callio.NewCallWriter(opts.CallsPath, sampleCols)
		if cerr != nil {
			return cerr
		}
		closers = append(closers, cw.Close)
		proc.Calls = cw
	}
	if opts.AllelesPath != "" {
		aw, aerr := callio.NewAlleleWriter(opts.AllelesPath)
		if aerr != nil {
			return aerr
		}
		closers = append(closers, aw.Close)
		proc.Alleles = aw
	}
	if opts.StutterOutPath != "" {
		mw, merr := callio.NewModelWriter(opts.StutterOutPath)
		if merr != nil {
			return merr
		}
		closers = append(closers, mw.Close)
		proc.ModelOut = mw
	}
	if opts.VizPath != "" {
		vw, verr := callio.NewVizWriter(opts.VizPath)
		if verr != nil {
			return verr
		}
		closers = append(closers, vw.Close)
		proc.Viz = vw
	}

	r := &runner{
		opts:       &opts,
		provider:   provider,
		refs:       refs,
		genome:     &refGenome{fa: fa, seqs: make(map[string][]byte)},
		buckets:    buckets,
		bucketByRG: bucketByRG,
		dedup:      ded,
		proc:       proc,
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > len(regs) {
		parallelism = len(regs)
	}
	// Contiguous partitions keep each job on a run of nearby loci so the
	// per-chromosome sequence cache stays hot.
	err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(regs)) / parallelism
		endIdx := ((jobIdx + 1) * len(regs)) / parallelism
		for _, reg := range regs[startIdx:endIdx] {
			if perr := r.processRegion(reg); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !opts.NoRmdup {
		log.Printf("Removed %d PCR duplicate fragments in total", atomic.LoadInt64(&r.totalDups))
	}
	log.Printf("Genotyping summary: %s", proc.Stats)
	return nil
}

// processRegion fetches, pairs, and deduplicates one locus's reads and
// runs the genotyping pipeline on them. Loci that cannot be fetched are
// skipped with a warning; only configuration and I/O errors abort the
// run.
func (r *runner) processRegion(reg regions.Region) error {
	ref, ok := r.refs[reg.Chrom]
	if !ok {
		log.Error.Printf("Skipping locus %s: chromosome not in BAM header", reg)
		return nil
	}
	chromSeq, err := r.genome.chromSeq(reg.Chrom)
	if err != nil {
		log.Error.Printf("Skipping locus %s: %v", reg, err)
		return nil
	}
	if reg.Stop > len(chromSeq) {
		log.Error.Printf("Skipping locus %s: region extends past end of chromosome (%d bp)", reg, len(chromSeq))
		return nil
	}

	filterStart := time.Now()
	start := reg.Start - 1 - regionFetchPad
	if start < 0 {
		start = 0
	}
	end := reg.Stop + regionFetchPad
	if end > ref.Len() {
		end = ref.Len()
	}
	iter := r.provider.NewIterator(gbam.Shard{StartRef: ref, EndRef: ref, Start: start, End: end})
	reads, err := collectLocusReads(iter, reg, len(r.buckets), r.opts.MinMapQ, r.bucketOf)
	if err != nil {
		return err
	}
	if !r.opts.NoRmdup {
		dups, derr := r.dedup.CollapseAll(r.buckets, reads.paired, reads.mates, reads.unpaired)
		if derr != nil {
			return derr
		}
		atomic.AddInt64(&r.totalDups, int64(dups))
	}
	alignments := make([][]*sam.Record, len(r.buckets))
	for g := range alignments {
		alignments[g] = make([]*sam.Record, 0, len(reads.paired[g])+len(reads.unpaired[g]))
		alignments[g] = append(alignments[g], reads.paired[g]...)
		alignments[g] = append(alignments[g], reads.unpaired[g]...)
	}

	in := &locus.Input{
		Region:         reg,
		RefAllele:      string(chromSeq[reg.Start-1 : reg.Stop]),
		ChromSeq:       chromSeq,
		Alignments:     alignments,
		RGNames:        r.buckets,
		ReadFilterTime: time.Since(filterStart),
	}
	if err := r.proc.ProcessLocus(in); err != nil {
		return err
	}
	for g := range alignments {
		for _, rec := range alignments[g] {
			sam.PutInFreePool(rec)
		}
		for _, rec := range reads.mates[g] {
			sam.PutInFreePool(rec)
		}
	}
	return nil
}

// bucketOf resolves the sample bucket of one alignment.
func (r *runner) bucketOf(rec *sam.Record) (int, error) {
	if r.bucketByRG == nil {
		return 0, nil
	}
	aux := rec.AuxFields.Get(rgTag)
	if aux == nil {
		return 0, fmt.Errorf("caller: read %s has no RG tag", rec.Name)
	}
	id, ok := aux.Value().(string)
	if !ok {
		return 0, fmt.Errorf("caller: RG tag of read %s is not a string", rec.Name)
	}
	g, ok := r.bucketByRG[id]
	if !ok {
		return 0, fmt.Errorf("caller: read %s has read group %q not present in the header", rec.Name, id)
	}
	return g, nil
}

type rgMeta struct {
	sample  string
	library string
}

// parseReadGroups extracts the ID, SM, and LB fields of every @RG line
// in a SAM header text.
func parseReadGroups(headerText []byte) (map[string]rgMeta, error) {
	rgs := make(map[string]rgMeta)
	for _, line := range strings.Split(string(headerText), "\n") {
		if !strings.HasPrefix(line, "@RG") {
			continue
		}
		var id string
		var meta rgMeta
		for _, f := range strings.Split(line, "\t")[1:] {
			switch {
			case strings.HasPrefix(f, "ID:"):
				id = f[len("ID:"):]
			case strings.HasPrefix(f, "SM:"):
				meta.sample = f[len("SM:"):]
			case strings.HasPrefix(f, "LB:"):
				meta.library = f[len("LB:"):]
			}
		}
		if id == "" {
			return nil, fmt.Errorf("caller: @RG header line is missing an ID field: %q", line)
		}
		rgs[id] = meta
	}
	return rgs, nil
}

// buildBuckets decides how reads map to samples and libraries. With
// LibFromRG, each read group's SM field picks the sample bucket and its
// LB field keys duplicate removal; otherwise all reads belong to a
// single sample, named by opts.Sample or the BAM file name.
func buildBuckets(header *sam.Header, opts *Opts, bamPath string) ([]string, map[string]int, *dedup.Deduplicator, error) {
	if !opts.LibFromRG {
		name := opts.Sample
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(bamPath), filepath.Ext(bamPath))
		}
		ded := &dedup.Deduplicator{LibraryMap: map[string]string{name: name}}
		return []string{name}, nil, ded, nil
	}

	text, err := header.MarshalText()
	if err != nil {
		return nil, nil, nil, err
	}
	rgs, err := parseReadGroups(text)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(rgs) == 0 {
		return nil, nil, nil, fmt.Errorf("caller: BAM header has no read groups; rerun with a fixed sample name")
	}
	libByRG := make(map[string]string, len(rgs))
	seen := make(map[string]bool)
	var buckets []string
	for id, meta := range rgs {
		if meta.sample == "" {
			return nil, nil, nil, fmt.Errorf("caller: read group %s has no SM field", id)
		}
		if meta.library == "" {
			return nil, nil, nil, fmt.Errorf("caller: read group %s has no LB field", id)
		}
		libByRG[id] = meta.library
		if !seen[meta.sample] {
			seen[meta.sample] = true
			buckets = append(buckets, meta.sample)
		}
	}
	sort.Strings(buckets)
	bucketIdx := make(map[string]int, len(buckets))
	for g, s := range buckets {
		bucketIdx[s] = g
	}
	bucketByRG := make(map[string]int, len(rgs))
	for id, meta := range rgs {
		bucketByRG[id] = bucketIdx[meta.sample]
	}
	ded := &dedup.Deduplicator{UseRGTags: true, LibraryMap: libByRG}
	return buckets, bucketByRG, ded, nil
}

// refGenome caches whole-chromosome sequences, uppercased, keyed by
// name. Lookups are serialized; each job holds a locus at a time so
// contention is negligible.
type refGenome struct {
	fa   fasta.Fasta
	mu   sync.Mutex
	seqs map[string][]byte
}

func (g *refGenome) chromSeq(chrom string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.seqs[chrom]; ok {
		return s, nil
	}
	n, err := g.fa.Len(chrom)
	if err != nil {
		return nil, err
	}
	s, err := g.fa.Get(chrom, 0, n)
	if err != nil {
		return nil, err
	}
	b := []byte(strings.ToUpper(s))
	g.seqs[chrom] = b
	return b, nil
}

// openGenome opens a reference FASTA. A plain-text FASTA with a .fai
// sidecar is accessed through the index; anything else is read eagerly
// into memory.
func openGenome(ctx context.Context, path string) (fasta.Fasta, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if fileio.DetermineType(path) != fileio.Gzip {
		if idxIn, idxErr := file.Open(ctx, path+".fai"); idxErr == nil {
			fa, ferr := fasta.NewIndexed(in.Reader(ctx), idxIn.Reader(ctx))
			if ferr != nil {
				_ = idxIn.Close(ctx)
				_ = in.Close(ctx)
				return nil, nil, ferr
			}
			closeFn := func() error {
				err := idxIn.Close(ctx)
				if cerr := in.Close(ctx); cerr != nil && err == nil {
					err = cerr
				}
				return err
			}
			return fa, closeFn, nil
		}
		log.Debug.Printf("no FASTA index at %s.fai, reading the reference eagerly", path)
	}
	var reader io.Reader = in.Reader(ctx)
	var gz *gzip.Reader
	if fileio.DetermineType(path) == fileio.Gzip {
		if gz, err = gzip.NewReader(reader); err != nil {
			_ = in.Close(ctx)
			return nil, nil, err
		}
		reader = gz
	}
	fa, err := fasta.New(reader)
	if err != nil {
		_ = in.Close(ctx)
		return nil, nil, err
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			_ = in.Close(ctx)
			return nil, nil, err
		}
	}
	if err = in.Close(ctx); err != nil {
		return nil, nil, err
	}
	return fa, func() error { return nil }, nil
}
