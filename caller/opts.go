package caller

import (
	"strings"

	"github.com/strtools/strcall/locus"
)

// Opts controls a genotyping run. Zero-valued output paths disable the
// corresponding writer.
type Opts struct {
	// BamIndexPath overrides the default BAM index location (bampath + .bai).
	BamIndexPath string
	// BedPath names the STR regions file (chrom, start, stop, period[, name]).
	BedPath string
	// StutterInPath supplies precomputed stutter models. When set, loci are
	// genotyped from the cache and EM training is skipped.
	StutterInPath string
	// PanelPath supplies a reference panel of known alleles per locus.
	PanelPath string

	CallsPath      string
	AllelesPath    string
	StutterOutPath string
	VizPath        string

	// Sample labels all reads when LibFromRG is false.
	Sample string
	// LibFromRG buckets reads by the SM field of their read group and keys
	// duplicate removal on the LB field.
	LibFromRG bool
	// NoRmdup disables PCR duplicate removal.
	NoRmdup bool
	MinMapQ int

	UseSeqAligner  bool
	UsePopFreqs    bool
	RecalcStutter  bool
	OutputGLs      bool
	OutputPLs      bool
	OutputAllReads bool
	MinTotalReads  int
	MaxEMIter      int
	AbsLLConverge  float64
	FracLLConverge float64
	// HaploidChroms is a comma-separated list of chromosomes to genotype
	// with one allele per sample.
	HaploidChroms string
	// Samples restricts call records to a comma-separated subset of samples.
	Samples string

	// Parallelism bounds concurrent loci. <=0 means GOMAXPROCS.
	Parallelism int
}

// DefaultOpts mirrors the defaults of the command line driver.
var DefaultOpts = Opts{
	LibFromRG:      true,
	UseSeqAligner:  true,
	MinTotalReads:  locus.DefaultOpts.MinTotalReads,
	MaxEMIter:      locus.DefaultOpts.MaxEMIter,
	AbsLLConverge:  locus.DefaultOpts.AbsLLConverge,
	FracLLConverge: locus.DefaultOpts.FracLLConverge,
}

func (o *Opts) locusOpts() locus.Opts {
	lo := locus.DefaultOpts
	lo.MinTotalReads = o.MinTotalReads
	lo.MaxEMIter = o.MaxEMIter
	lo.AbsLLConverge = o.AbsLLConverge
	lo.FracLLConverge = o.FracLLConverge
	lo.UseCachedModels = o.StutterInPath != ""
	lo.UseSeqAligner = o.UseSeqAligner
	lo.RecalcStutter = o.RecalcStutter
	lo.UsePopFreqs = o.UsePopFreqs
	lo.OutputStutterModels = o.StutterOutPath != ""
	lo.OutputAlleles = o.AllelesPath != ""
	lo.OutputGenotypes = o.CallsPath != ""
	lo.OutputGLs = o.OutputGLs
	lo.OutputPLs = o.OutputPLs
	lo.OutputAllReads = o.OutputAllReads
	lo.OutputViz = o.VizPath != ""
	if o.HaploidChroms != "" {
		lo.HaploidChroms = make(map[string]bool)
		for _, c := range splitList(o.HaploidChroms) {
			lo.HaploidChroms[c] = true
		}
	}
	lo.SamplesToGenotype = splitList(o.Samples)
	return lo
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
