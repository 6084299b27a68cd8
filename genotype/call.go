// Package genotype infers STR genotypes from the reads spanning a locus.
//
// Two genotypers are provided. EMGenotyper reduces every read to an
// integer repeat-length difference and fits genotypes and a stutter
// model jointly by expectation-maximization; it is the only way to
// train a stutter model. SeqGenotyper keeps the full read sequences and
// scores them against candidate haplotype sequences with a
// quality-aware gap aligner, using an already-trained stutter model as
// the length error channel. Both produce Call records for the output
// sinks.
package genotype

import (
	"math"

	"github.com/strtools/strcall/regions"
)

// Call is one genotyped locus, ready for encoding by an output sink.
// Optional per-sample fields (GLs, PLs, Reads) are populated only when
// the caller asked for them; sinks emit exactly what is present.
type Call struct {
	Region     regions.Region
	RefAllele  string
	AltAlleles []string

	Samples []SampleCall
}

// SampleCall is one sample's genotype within a Call. Allele indices
// refer to the call's allele list, index 0 being the reference allele.
// Haploid samples carry a single allele index; Alleles[1] is unused.
type SampleCall struct {
	Sample  string
	Alleles [2]int
	Haploid bool

	// Quality is the posterior probability of the called genotype.
	Quality float64
	// Depth is the number of reads that informed the genotype.
	Depth int

	// GLs holds log10 genotype likelihoods in the allele-pair order
	// defined by GenotypeOrder. Nil unless requested.
	GLs []float64
	// PLs holds the phred-scaled, min-normalized genotype likelihoods
	// in the same order. Nil unless requested.
	PLs []int
	// Reads names the reads supporting the called alleles. Nil unless
	// requested.
	Reads []string
}

// NumAlleles returns the total allele count, reference included.
func (c *Call) NumAlleles() int {
	return 1 + len(c.AltAlleles)
}

// GenotypeOrder returns the (a, b) allele index pairs in the order GL
// and PL values are laid out for a locus with n alleles: the VCF
// convention, b ranging over all alleles and a over 0..b.
func GenotypeOrder(n int) [][2]int {
	order := make([][2]int, 0, n*(n+1)/2)
	for b := 0; b < n; b++ {
		for a := 0; a <= b; a++ {
			order = append(order, [2]int{a, b})
		}
	}
	return order
}

// maxPhred caps scaled likelihoods so genotypes with zero likelihood
// stay representable.
const maxPhred = 9999

// PhredScale converts log10 genotype likelihoods to the phred-scaled,
// minimum-normalized integer form (smallest value always 0).
func PhredScale(gls []float64) []int {
	best := math.Inf(-1)
	for _, gl := range gls {
		if gl > best {
			best = gl
		}
	}
	pls := make([]int, len(gls))
	for i, gl := range gls {
		pl := math.Round(-10 * (gl - best))
		if !(pl < maxPhred) {
			pl = maxPhred
		}
		pls[i] = int(pl)
	}
	return pls
}

// VizAlignment is one read's maximum-likelihood alignment against its
// best haplotype, for the alignment visualization sink.
type VizAlignment struct {
	Sample    string
	Read      string
	Haplotype int  // allele index of the ML haplotype
	MeanQual  byte // mean phred quality of the read

	// ReadAln and HapAln are the gapped alignment strings, equal
	// length, '-' marking gaps.
	ReadAln string
	HapAln  string
}
