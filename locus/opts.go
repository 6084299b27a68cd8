package locus

// Opts configures per-locus genotyping.
type Opts struct {
	// MinTotalReads gates each locus: fewer reads than this, before or
	// after length extraction, skips the locus entirely.
	MinTotalReads int

	// MaxEMIter, AbsLLConverge and FracLLConverge bound stutter-model
	// EM training: training stops when an iteration improves the total
	// log-likelihood by less than AbsLLConverge, or by less than
	// FracLLConverge of its magnitude, and fails after MaxEMIter
	// iterations without converging.
	MaxEMIter      int
	AbsLLConverge  float64
	FracLLConverge float64

	// HaploidChroms names chromosomes genotyped as haploid.
	HaploidChroms map[string]bool

	// UseCachedModels takes stutter models from the processor's cache
	// instead of training them per locus.
	UseCachedModels bool
	// UseSeqAligner selects the sequence-based genotyper; the default
	// is the length-based EM genotyper.
	UseSeqAligner bool
	// RecalcStutter requests stutter re-estimation from the ML
	// alignments. Recognized but not implemented: the sequence path
	// fails after its first successful genotype when set.
	RecalcStutter bool
	// UsePopFreqs applies the EM allele frequency estimates as genotype
	// priors on the length path.
	UsePopFreqs bool

	// Output switches; each also needs the corresponding sink.
	OutputStutterModels bool
	OutputAlleles       bool
	OutputGenotypes     bool
	OutputGLs           bool
	OutputPLs           bool
	OutputAllReads      bool
	OutputViz           bool

	// SamplesToGenotype restricts call records to the named samples;
	// empty means all.
	SamplesToGenotype []string
}

// DefaultOpts is the default option set.
var DefaultOpts = Opts{
	MinTotalReads:   100,
	MaxEMIter:       100,
	AbsLLConverge:   0.01,
	FracLLConverge:  0.001,
	OutputGenotypes: true,
}
