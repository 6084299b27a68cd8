package genotype

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/strtools/strcall/basequal"
	"github.com/strtools/strcall/cigar"
	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
	"gonum.org/v1/gonum/floats"
)

// minAlleleReads is how many reads must carry a candidate tract
// sequence before it becomes an alternate allele on its own. Panel
// alleles are exempt.
const minAlleleReads = 2

// SeqGenotyper infers genotypes from full read sequences. Construction
// selects the usable reads, left-aligns them, and assembles candidate
// haplotypes from the observed tract sequences; Genotype aligns every
// read against every haplotype with a quality-aware pair aligner, folds
// in the stutter model, and picks per-sample maximum-posterior
// genotypes.
//
// The four stages are individually timed; see Timing. Callers must
// Release the genotyper when done with it to return its alignment
// matrices to the pool.
type SeqGenotyper struct {
	reg     regions.Region
	haploid bool
	model   *stutter.Model
	samples []string

	// Usable reads and their repeat-length differences and phasing
	// log-likelihoods, parallel per sample.
	recs   [][]*sam.Record
	diffs  [][]int
	logP1s [][]float64
	logP2s [][]float64
	nReads int

	// seqs caches the expanded read bases, parallel to recs.
	seqs [][][]byte

	refAllele string
	// alleles holds the candidate tract sequences, alleles[0] being the
	// reference tract, the rest sorted by length then lexicographically.
	alleles  []string
	hapDiffs []int    // len(allele) - len(refAllele)
	haps     [][]byte // full haplotypes, common flanks around each allele

	aligner *hapAligner

	// Results of Genotype.
	readLLs [][][]float64 // per sample, read, allele
	gts     []*sampleGenotype
	vizAlns []VizAlignment

	leftAlignTime time.Duration
	hapGenTime    time.Duration
	hapAlignTime  time.Duration
	tracebackTime time.Duration

	genotyped bool
	released  bool

	lseb []float64 // scratch for log-sum-exp
}

// NewSeqGenotyper builds a sequence-based genotyper for one locus.
// chromSeq is the full reference sequence of the locus chromosome. The
// outer slices are parallel per sample; alignments[i][j] is sample i's
// j-th read with logP1s/logP2s its phasing log-likelihoods. Empty outer
// phasing slices mean no phasing information: every read gets neutral
// log-likelihoods. panel may be nil.
//
// Reads that do not span the repeat window, or whose repeat-length
// difference implies a contraction past the whole reference tract, are
// dropped here; the genotyper re-derives the differences from the
// CIGARs so that callers need not extract them beforehand.
func NewSeqGenotyper(reg regions.Region, haploid bool, chromSeq []byte, model *stutter.Model,
	panel PanelSource, alignments [][]*sam.Record, logP1s, logP2s [][]float64,
	samples []string) (*SeqGenotyper, error) {
	if len(alignments) != len(samples) {
		log.Panicf("genotype: %d alignment groups for %d samples", len(alignments), len(samples))
	}
	if len(logP1s) != 0 && (len(logP1s) != len(alignments) || len(logP2s) != len(alignments)) {
		log.Panicf("genotype: mismatched phasing lists: %d alignment groups, %d logP1s, %d logP2s",
			len(alignments), len(logP1s), len(logP2s))
	}
	if model == nil {
		log.Panicf("genotype: sequence genotyper for %s constructed without a stutter model", reg)
	}
	if reg.Start < 1 || reg.Stop > len(chromSeq) {
		return nil, fmt.Errorf("genotype: locus %s outside chromosome sequence (%d bp)", reg, len(chromSeq))
	}
	g := &SeqGenotyper{
		reg:     reg,
		haploid: haploid,
		model:   model,
		samples: samples,
		recs:    make([][]*sam.Record, len(alignments)),
		diffs:   make([][]int, len(alignments)),
		logP1s:  make([][]float64, len(alignments)),
		logP2s:  make([][]float64, len(alignments)),
		gts:     make([]*sampleGenotype, len(samples)),
		aligner: newHapAligner(),
	}

	winStart, winStop := reg.Start-1-reg.Period, reg.Stop-1+reg.Period
	for s := range alignments {
		if len(logP1s) != 0 && (len(logP1s[s]) != len(alignments[s]) || len(logP2s[s]) != len(alignments[s])) {
			log.Panicf("genotype: sample %q has %d reads but %d/%d phasing values",
				samples[s], len(alignments[s]), len(logP1s[s]), len(logP2s[s]))
		}
		for j, rec := range alignments[s] {
			d, ok := cigar.Diff(rec.Cigar, rec.Pos, winStart, winStop)
			if !ok || d < -reg.Span() {
				continue
			}
			g.recs[s] = append(g.recs[s], rec)
			g.diffs[s] = append(g.diffs[s], d)
			lp1, lp2 := 0.0, 0.0
			if len(logP1s) != 0 {
				lp1, lp2 = logP1s[s][j], logP2s[s][j]
			}
			g.logP1s[s] = append(g.logP1s[s], lp1)
			g.logP2s[s] = append(g.logP2s[s], lp2)
			g.nReads++
		}
	}

	// Left-align every usable read so that indel placement inside the
	// repeat tract is deterministic before tract sequences are compared.
	begin := time.Now()
	alnCigars := make([][]sam.Cigar, len(g.recs))
	g.seqs = make([][][]byte, len(g.recs))
	for s := range g.recs {
		alnCigars[s] = make([]sam.Cigar, len(g.recs[s]))
		g.seqs[s] = make([][]byte, len(g.recs[s]))
		for r, rec := range g.recs[s] {
			seq := rec.Seq.Expand()
			g.seqs[s][r] = seq
			alnCigars[s][r], _ = cigar.LeftAlign(rec.Cigar, rec.Pos, seq, chromSeq)
		}
	}
	g.leftAlignTime = time.Since(begin)

	// Generate haplotypes: the reference tract plus every tract
	// sequence with enough read support and every panel allele, all
	// embedded in the reference flanks spanned by the reads.
	begin = time.Now()
	g.refAllele = string(chromSeq[reg.Start-1 : reg.Stop])
	counts := make(map[string]int)
	for s := range g.recs {
		for r, rec := range g.recs[s] {
			ws, ok := cigar.WindowSeq(alnCigars[s][r], rec.Pos, g.seqs[s][r], reg.Start-1, reg.Stop-1)
			if ok && len(ws) > 0 {
				counts[string(ws)]++
			}
		}
	}
	var alts []string
	for seq, n := range counts {
		if n >= minAlleleReads && seq != g.refAllele {
			alts = append(alts, seq)
		}
	}
	if panel != nil {
		for _, a := range panel.Alleles(reg) {
			if a != g.refAllele && counts[a] < minAlleleReads && len(a) > 0 {
				alts = append(alts, a)
			}
		}
	}
	sort.Slice(alts, func(i, j int) bool {
		if len(alts[i]) != len(alts[j]) {
			return len(alts[i]) < len(alts[j])
		}
		return alts[i] < alts[j]
	})
	g.alleles = append(make([]string, 0, len(alts)+1), g.refAllele)
	g.alleles = append(g.alleles, alts...)

	minStart, maxEnd := reg.Start-1, reg.Stop
	for s := range g.recs {
		for _, rec := range g.recs[s] {
			if rec.Pos < minStart {
				minStart = rec.Pos
			}
			if end := rec.End(); end > maxEnd {
				maxEnd = end
			}
		}
	}
	if minStart < 0 {
		minStart = 0
	}
	if maxEnd > len(chromSeq) {
		maxEnd = len(chromSeq)
	}
	left, right := chromSeq[minStart:reg.Start-1], chromSeq[reg.Stop:maxEnd]
	g.hapDiffs = make([]int, len(g.alleles))
	g.haps = make([][]byte, len(g.alleles))
	for h, allele := range g.alleles {
		g.hapDiffs[h] = len(allele) - len(g.refAllele)
		hap := make([]byte, 0, len(left)+len(allele)+len(right))
		hap = append(hap, left...)
		hap = append(hap, allele...)
		hap = append(hap, right...)
		g.haps[h] = hap
	}
	g.hapGenTime = time.Since(begin)
	return g, nil
}

// NumAlleles returns the number of candidate alleles, reference
// included.
func (g *SeqGenotyper) NumAlleles() int {
	return len(g.alleles)
}

// NumReads returns the number of usable reads across all samples.
func (g *SeqGenotyper) NumReads() int {
	return g.nReads
}

func (g *SeqGenotyper) logAdd(a, b float64) float64 {
	if len(g.lseb) < 2 {
		g.lseb = make([]float64, 2, 16)
	}
	g.lseb = g.lseb[:2]
	g.lseb[0], g.lseb[1] = a, b
	return floats.LogSumExp(g.lseb)
}

// Genotype aligns every read against every haplotype and assigns each
// sample its maximum-posterior genotype under a uniform genotype
// prior. Samples without reads are left uncalled.
func (g *SeqGenotyper) Genotype() error {
	if g.released {
		log.Panicf("genotype: Genotype called on released genotyper for %s", g.reg)
	}
	if g.nReads == 0 {
		return fmt.Errorf("genotype: no informative reads for %s", g.reg)
	}

	// Align each read against each haplotype. The stutter term scores
	// the residual repeat-length difference between the read and the
	// haplotype explaining it.
	begin := time.Now()
	g.readLLs = make([][][]float64, len(g.recs))
	for s := range g.recs {
		g.readLLs[s] = make([][]float64, len(g.recs[s]))
		for r, rec := range g.recs[s] {
			lls := make([]float64, len(g.haps))
			for h := range g.haps {
				lls[h] = g.aligner.logLikelihood(g.seqs[s][r], rec.Qual, g.haps[h]) +
					g.model.LogStutterProb(g.diffs[s][r]-g.hapDiffs[h])
			}
			g.readLLs[s][r] = lls
		}
	}
	g.hapAlignTime = time.Since(begin)

	gts := genotypePairs(len(g.alleles), g.haploid)
	logLik := make([]float64, len(gts))
	for s := range g.samples {
		if len(g.recs[s]) == 0 {
			g.gts[s] = nil
			continue
		}
		for k, gt := range gts {
			ll := 0.0
			for r := range g.recs[s] {
				lls := g.readLLs[s][r]
				if g.haploid {
					ll += lls[gt[0]]
					continue
				}
				ll += g.logAdd(g.logP1s[s][r]+lls[gt[0]], g.logP2s[s][r]+lls[gt[1]])
			}
			logLik[k] = ll
		}
		norm := floats.LogSumExp(logLik)
		best := 0
		for k := range logLik {
			if logLik[k] > logLik[best] {
				best = k
			}
		}
		g.gts[s] = &sampleGenotype{
			alleles: gts[best],
			quality: math.Exp(logLik[best] - norm),
			gls:     orderedSeqGLs(len(g.alleles), gts, logLik),
		}
	}

	// Trace each read back against the called haplotype it most likely
	// came from, producing the gapped alignment strings.
	begin = time.Now()
	for s := range g.recs {
		sg := g.gts[s]
		if sg == nil {
			continue
		}
		for r, rec := range g.recs[s] {
			lls := g.readLLs[s][r]
			h := sg.alleles[0]
			if !g.haploid {
				la := g.logP1s[s][r] + lls[sg.alleles[0]]
				lb := g.logP2s[s][r] + lls[sg.alleles[1]]
				if lb > la {
					h = sg.alleles[1]
				}
			}
			readAln, hapAln, _ := g.aligner.align(g.seqs[s][r], rec.Qual, g.haps[h])
			g.vizAlns = append(g.vizAlns, VizAlignment{
				Sample:    g.samples[s],
				Read:      rec.Name,
				Haplotype: h,
				MeanQual:  basequal.MeanQual(rec.Qual),
				ReadAln:   readAln,
				HapAln:    hapAln,
			})
		}
	}
	g.tracebackTime = time.Since(begin)
	g.genotyped = true
	return nil
}

// orderedSeqGLs lays out per-genotype log10 likelihoods in standard
// genotype order. Sequence allele indices already match the call
// record's numbering.
func orderedSeqGLs(n int, gts [][2]int, logLik []float64) []float64 {
	order := GenotypeOrder(n)
	out := make([]float64, len(order))
	for i := range out {
		out[i] = math.Inf(-1)
	}
	for k, gt := range gts {
		for i, o := range order {
			if o == gt {
				out[i] = logLik[k] * math.Log10E
				break
			}
		}
	}
	return out
}

// AlleleCall returns a record naming the candidate alleles only, for
// writing before genotyping runs or when it fails.
func (g *SeqGenotyper) AlleleCall() *Call {
	c := &Call{Region: g.reg, RefAllele: g.refAllele}
	c.AltAlleles = append(c.AltAlleles, g.alleles[1:]...)
	return c
}

// Call assembles the genotype record after a successful Genotype call.
// samples restricts output to the named subset; empty means every
// genotyped sample. includeReads attaches the names of each sample's
// usable reads.
func (g *SeqGenotyper) Call(samples []string, includeGLs, includePLs, includeReads bool) *Call {
	if !g.genotyped {
		log.Panicf("genotype: Call before Genotype for %s", g.reg)
	}
	c := g.AlleleCall()
	wanted := sampleFilter(samples)
	for s, name := range g.samples {
		sg := g.gts[s]
		if sg == nil || !wanted(name) {
			continue
		}
		sc := SampleCall{
			Sample:  name,
			Alleles: sg.alleles,
			Haploid: g.haploid,
			Quality: sg.quality,
			Depth:   len(g.recs[s]),
		}
		if includeGLs {
			sc.GLs = sg.gls
		}
		if includePLs {
			sc.PLs = PhredScale(sg.gls)
		}
		if includeReads {
			for _, rec := range g.recs[s] {
				sc.Reads = append(sc.Reads, rec.Name)
			}
		}
		c.Samples = append(c.Samples, sc)
	}
	return c
}

// VizAlignments returns the per-read alignment traces produced by
// Genotype, in sample then read order.
func (g *SeqGenotyper) VizAlignments() []VizAlignment {
	return g.vizAlns
}

// Timing reports how long each stage took: left alignment and
// haplotype generation from construction, haplotype alignment and
// alignment traceback from Genotype.
func (g *SeqGenotyper) Timing() (leftAlign, hapGen, hapAlign, traceback time.Duration) {
	return g.leftAlignTime, g.hapGenTime, g.hapAlignTime, g.tracebackTime
}

// Release returns the genotyper's alignment matrices to the pool. The
// genotyper must not be used afterwards. Release is idempotent.
func (g *SeqGenotyper) Release() {
	if g.released {
		return
	}
	g.released = true
	g.aligner.release()
}
