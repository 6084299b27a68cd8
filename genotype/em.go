package genotype

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
	"gonum.org/v1/gonum/floats"
)

// EMGenotyper infers genotypes from per-read repeat-length differences
// alone. Candidate alleles are the distinct observed differences plus
// the reference length; Train fits the allele frequencies and a stutter
// model jointly by expectation-maximization, treating each read's
// difference from its source allele as a stutter artifact.
type EMGenotyper struct {
	reg     regions.Region
	haploid bool
	samples []string

	// Per-sample read observations, flattened from the read-group
	// layout the locus pipeline produces.
	diffs  [][]int
	logP1s [][]float64
	logP2s [][]float64
	nReads int

	// alleles holds the candidate bp differences in ascending order,
	// always including 0 (the reference length).
	alleles []int

	model *stutter.Model
	// freqs are the EM allele frequency estimates, parallel to
	// alleles. Valid only after a successful Train.
	freqs []float64

	// Per-sample results of Genotype, parallel to samples. Samples
	// without reads stay ungenotyped (gts[i] == nil).
	gts  []*sampleGenotype
	lseb []float64 // scratch for log-sum-exp
}

type sampleGenotype struct {
	alleles [2]int // indices into EMGenotyper.alleles
	quality float64
	gls     []float64 // log10, genotype order over call allele indices
}

// NewEMGenotyper builds a length-based genotyper for one locus. The
// outer slices are parallel per sample; diffs[i][j] is sample i's j-th
// usable read, with logP1s/logP2s its phasing log-likelihoods.
func NewEMGenotyper(reg regions.Region, haploid bool, diffs [][]int, logP1s, logP2s [][]float64, samples []string) *EMGenotyper {
	if len(diffs) != len(logP1s) || len(diffs) != len(logP2s) || len(diffs) != len(samples) {
		log.Panicf("genotype: mismatched sample lists: %d diffs, %d logP1s, %d logP2s, %d samples",
			len(diffs), len(logP1s), len(logP2s), len(samples))
	}
	g := &EMGenotyper{
		reg:     reg,
		haploid: haploid,
		samples: samples,
		diffs:   diffs,
		logP1s:  logP1s,
		logP2s:  logP2s,
		gts:     make([]*sampleGenotype, len(samples)),
	}
	seen := map[int]bool{0: true}
	for i, sampleDiffs := range diffs {
		if len(sampleDiffs) != len(logP1s[i]) || len(sampleDiffs) != len(logP2s[i]) {
			log.Panicf("genotype: sample %q has %d diffs but %d/%d phasing values",
				samples[i], len(sampleDiffs), len(logP1s[i]), len(logP2s[i]))
		}
		g.nReads += len(sampleDiffs)
		for _, d := range sampleDiffs {
			seen[d] = true
		}
	}
	for d := range seen {
		g.alleles = append(g.alleles, d)
	}
	sort.Ints(g.alleles)
	return g
}

// Model returns the genotyper's stutter model, nil until Train
// succeeds or SetModel is called. The genotyper keeps ownership.
func (g *EMGenotyper) Model() *stutter.Model {
	return g.model
}

// SetModel assigns an externally obtained stutter model, taking
// ownership of it.
func (g *EMGenotyper) SetModel(m *stutter.Model) {
	g.model = m
}

func (g *EMGenotyper) logAdd(a, b float64) float64 {
	if len(g.lseb) < 2 {
		g.lseb = make([]float64, 2, 16)
	}
	g.lseb = g.lseb[:2]
	g.lseb[0], g.lseb[1] = a, b
	return floats.LogSumExp(g.lseb)
}

// genotypePairs enumerates the candidate genotypes over n alleles:
// unordered allele index pairs for diploid samples, single alleles for
// haploid ones (with the second index mirroring the first).
func genotypePairs(n int, haploid bool) [][2]int {
	if haploid {
		gts := make([][2]int, n)
		for a := 0; a < n; a++ {
			gts[a] = [2]int{a, a}
		}
		return gts
	}
	gts := make([][2]int, 0, n*(n+1)/2)
	for b := 0; b < n; b++ {
		for a := 0; a <= b; a++ {
			gts = append(gts, [2]int{a, b})
		}
	}
	return gts
}

// readLL returns the log-likelihood of observing read r of sample s
// under genotype gt and stutter model m.
func (g *EMGenotyper) readLL(m *stutter.Model, s, r int, gt [2]int) float64 {
	d := g.diffs[s][r]
	llA := m.LogStutterProb(d - g.alleles[gt[0]])
	if g.haploid {
		return llA
	}
	llB := m.LogStutterProb(d - g.alleles[gt[1]])
	return g.logAdd(g.logP1s[s][r]+llA, g.logP2s[s][r]+llB)
}

func logGTPrior(freqs []float64, gt [2]int, haploid bool) float64 {
	if haploid {
		return math.Log(freqs[gt[0]])
	}
	p := math.Log(freqs[gt[0]]) + math.Log(freqs[gt[1]])
	if gt[0] != gt[1] {
		p += math.Ln2
	}
	return p
}

// emPseudocount keeps every stutter parameter off the probability
// boundary regardless of how one-sided the read data is.
const emPseudocount = 0.1

// Train fits the stutter model and allele frequencies by EM.
// Convergence is declared when an iteration improves the total
// log-likelihood by less than absConv, or by less than fracConv of its
// magnitude. On success the genotyper owns the trained model; on
// failure the model stays nil.
func (g *EMGenotyper) Train(maxIter int, absConv, fracConv float64) error {
	if g.nReads == 0 {
		return fmt.Errorf("genotype: no informative reads for %s", g.reg)
	}
	cand := stutter.NewDefault(g.reg.Period)
	gts := genotypePairs(len(g.alleles), g.haploid)
	freqs := make([]float64, len(g.alleles))
	for i := range freqs {
		freqs[i] = 1.0 / float64(len(g.alleles))
	}

	logPost := make([]float64, len(gts))
	prevLL := math.Inf(-1)
	for iter := 0; iter < maxIter; iter++ {
		// Accumulators for the M step, seeded with pseudocounts. Unit
		// counts start at twice the event counts so the geometric
		// parameters begin each update at 1/2.
		var (
			wZero                float64 = emPseudocount
			wInUp, wInDown       float64 = emPseudocount, emPseudocount
			wOutUp, wOutDown     float64 = emPseudocount, emPseudocount
			unitsIn, basesOut    float64 = 4 * emPseudocount, 4 * emPseudocount
			wTotal               float64 = wZero + wInUp + wInDown + wOutUp + wOutDown
			freqCounts                   = make([]float64, len(g.alleles))
			totalLL              float64
			addArtifactWeighted          = func(delta int, w float64) {
				wTotal += w
				switch {
				case delta == 0:
					wZero += w
				case delta%cand.Period == 0 && delta > 0:
					wInUp += w
					unitsIn += w * float64(delta/cand.Period)
				case delta%cand.Period == 0:
					wInDown += w
					unitsIn += w * float64(-delta/cand.Period)
				case delta > 0:
					wOutUp += w
					basesOut += w * float64(delta)
				default:
					wOutDown += w
					basesOut += w * float64(-delta)
				}
			}
		)
		for i := range freqCounts {
			freqCounts[i] = emPseudocount
		}

		for s := range g.samples {
			if len(g.diffs[s]) == 0 {
				continue
			}
			// E step, genotype level.
			for k, gt := range gts {
				logPost[k] = logGTPrior(freqs, gt, g.haploid)
				for r := range g.diffs[s] {
					logPost[k] += g.readLL(cand, s, r, gt)
				}
			}
			norm := floats.LogSumExp(logPost)
			totalLL += norm

			// E step, read level, and M-step accumulation.
			for k, gt := range gts {
				gtW := math.Exp(logPost[k] - norm)
				if gtW == 0 {
					continue
				}
				ploidy := 2.0
				if g.haploid {
					ploidy = 1.0
				}
				freqCounts[gt[0]] += gtW * ploidy / 2
				freqCounts[gt[1]] += gtW * ploidy / 2
				for r := range g.diffs[s] {
					d := g.diffs[s][r]
					deltaA := d - g.alleles[gt[0]]
					if g.haploid {
						addArtifactWeighted(deltaA, gtW)
						continue
					}
					deltaB := d - g.alleles[gt[1]]
					la := g.logP1s[s][r] + cand.LogStutterProb(deltaA)
					lb := g.logP2s[s][r] + cand.LogStutterProb(deltaB)
					wA := math.Exp(la - g.logAdd(la, lb))
					addArtifactWeighted(deltaA, gtW*wA)
					addArtifactWeighted(deltaB, gtW*(1-wA))
				}
			}
		}

		// M step.
		cand.InUp = wInUp / wTotal
		cand.InDown = wInDown / wTotal
		cand.OutUp = wOutUp / wTotal
		cand.OutDown = wOutDown / wTotal
		cand.InGeom = (wInUp + wInDown) / unitsIn
		cand.OutGeom = (wOutUp + wOutDown) / basesOut
		var freqTotal float64
		for _, c := range freqCounts {
			freqTotal += c
		}
		for i, c := range freqCounts {
			freqs[i] = c / freqTotal
		}

		if iter > 0 {
			delta := totalLL - prevLL
			if delta < absConv || delta < fracConv*math.Abs(prevLL) {
				if err := cand.Valid(); err != nil {
					return fmt.Errorf("genotype: EM converged on a degenerate stutter model for %s: %v", g.reg, err)
				}
				g.model = cand
				g.freqs = freqs
				return nil
			}
		}
		prevLL = totalLL
	}
	return fmt.Errorf("genotype: EM did not converge within %d iterations for %s", maxIter, g.reg)
}

// Genotype assigns each sample its maximum-likelihood genotype under
// the current stutter model. With usePopFreqs, the EM allele frequency
// estimates weight the genotypes as priors; the default is a uniform
// prior. Samples without reads are left uncalled.
func (g *EMGenotyper) Genotype(usePopFreqs bool) error {
	if g.model == nil {
		return fmt.Errorf("genotype: no stutter model set for %s", g.reg)
	}
	if g.nReads == 0 {
		return fmt.Errorf("genotype: no informative reads for %s", g.reg)
	}
	if usePopFreqs && g.freqs == nil {
		return fmt.Errorf("genotype: population frequencies unavailable for %s: model was not trained here", g.reg)
	}
	gts := genotypePairs(len(g.alleles), g.haploid)
	logLik := make([]float64, len(gts))
	logPost := make([]float64, len(gts))
	for s := range g.samples {
		if len(g.diffs[s]) == 0 {
			g.gts[s] = nil
			continue
		}
		for k, gt := range gts {
			ll := 0.0
			for r := range g.diffs[s] {
				ll += g.readLL(g.model, s, r, gt)
			}
			logLik[k] = ll
			logPost[k] = ll
			if usePopFreqs {
				logPost[k] += logGTPrior(g.freqs, gt, g.haploid)
			}
		}
		norm := floats.LogSumExp(logPost)
		best := 0
		for k := range logPost {
			if logPost[k] > logPost[best] {
				best = k
			}
		}
		sg := &sampleGenotype{
			alleles: gts[best],
			quality: math.Exp(logPost[best] - norm),
			gls:     g.orderedGLs(gts, logLik),
		}
		g.gts[s] = sg
	}
	return nil
}

// orderedGLs lays out per-genotype log10 likelihoods in the call
// allele-index order used by the output record.
func (g *EMGenotyper) orderedGLs(gts [][2]int, logLik []float64) []float64 {
	n := len(g.alleles)
	order := GenotypeOrder(n)
	out := make([]float64, len(order))
	for i := range out {
		out[i] = math.Inf(-1)
	}
	for k, gt := range gts {
		a, b := g.callIndex(gt[0]), g.callIndex(gt[1])
		if a > b {
			a, b = b, a
		}
		for i, o := range order {
			if o[0] == a && o[1] == b {
				out[i] = logLik[k] * math.Log10E
				break
			}
		}
	}
	return out
}

// callIndex maps an index into g.alleles to the call record's allele
// numbering: 0 for the reference length, then the remaining
// differences in ascending order.
func (g *EMGenotyper) callIndex(alleleIdx int) int {
	d := g.alleles[alleleIdx]
	if d == 0 {
		return 0
	}
	idx := 1
	for _, o := range g.alleles {
		if o == 0 {
			continue
		}
		if o == d {
			return idx
		}
		idx++
	}
	log.Panicf("genotype: allele %d missing from candidate set %v", d, g.alleles)
	return -1
}

// altAllele derives an alternate allele sequence from the reference
// allele and a length difference: deletions truncate the reference
// allele, insertions extend it by cyclic copies of its final repeat
// unit.
func altAllele(refAllele string, period, diff int) string {
	if diff < 0 {
		if -diff >= len(refAllele) {
			return refAllele[:1]
		}
		return refAllele[:len(refAllele)+diff]
	}
	unit := refAllele
	if len(refAllele) >= period {
		unit = refAllele[len(refAllele)-period:]
	}
	out := []byte(refAllele)
	for i := 0; i < diff; i++ {
		out = append(out, unit[i%len(unit)])
	}
	return string(out)
}

// Call assembles the genotype record after a successful Genotype call.
// samples restricts output to the named subset; empty means every
// genotyped sample. includeReads attaches each sample's observed
// length differences.
func (g *EMGenotyper) Call(refAllele string, samples []string, includeGLs, includePLs, includeReads bool) *Call {
	c := &Call{Region: g.reg, RefAllele: refAllele}
	for _, d := range g.alleles {
		if d != 0 {
			c.AltAlleles = append(c.AltAlleles, altAllele(refAllele, g.reg.Period, d))
		}
	}
	wanted := sampleFilter(samples)
	for s, name := range g.samples {
		sg := g.gts[s]
		if sg == nil || !wanted(name) {
			continue
		}
		a, b := g.callIndex(sg.alleles[0]), g.callIndex(sg.alleles[1])
		if a > b {
			a, b = b, a
		}
		sc := SampleCall{
			Sample:  name,
			Alleles: [2]int{a, b},
			Haploid: g.haploid,
			Quality: sg.quality,
			Depth:   len(g.diffs[s]),
		}
		if includeGLs {
			sc.GLs = sg.gls
		}
		if includePLs {
			sc.PLs = PhredScale(sg.gls)
		}
		if includeReads {
			for _, d := range g.diffs[s] {
				sc.Reads = append(sc.Reads, strconv.Itoa(d))
			}
		}
		c.Samples = append(c.Samples, sc)
	}
	return c
}

func sampleFilter(samples []string) func(string) bool {
	if len(samples) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]bool, len(samples))
	for _, s := range samples {
		set[s] = true
	}
	return func(name string) bool { return set[name] }
}
