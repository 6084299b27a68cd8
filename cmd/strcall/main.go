package main

/*
strcall genotypes short tandem repeat loci in a BAM/PAM file. For every
locus in the input BED it collapses PCR duplicates, learns or loads a
PCR stutter model, and reports maximum-likelihood repeat genotypes per
sample.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/strtools/strcall/caller"
)

var (
	regionsPath  = flag.String("regions", caller.DefaultOpts.BedPath, "Input BED path listing STR loci (chrom, start, stop, period[, name]); required")
	bamIndexPath = flag.String("index", caller.DefaultOpts.BamIndexPath, "Input BAM index path. Defaults to bampath + .bai")
	callsPath    = flag.String("calls", caller.DefaultOpts.CallsPath, "Output path for genotype records; .gz suffix compresses")
	allelesPath  = flag.String("alleles", caller.DefaultOpts.AllelesPath, "Output path for candidate allele records (sequence genotyper only)")
	stutterOut   = flag.String("stutter-out", caller.DefaultOpts.StutterOutPath, "Output path for learned stutter models")
	stutterIn    = flag.String("stutter-in", caller.DefaultOpts.StutterInPath, "Input path of precomputed stutter models; skips EM training")
	vizPath      = flag.String("viz-out", caller.DefaultOpts.VizPath, "Output path for per-read alignment visualizations; must end in .gz")
	panelPath    = flag.String("panel", caller.DefaultOpts.PanelPath, "Input path of a reference panel listing known alleles per locus")
	sample       = flag.String("sample", caller.DefaultOpts.Sample, "Sample name for all reads when -lib-from-rg=false. Defaults to the BAM file name")
	libFromRG    = flag.Bool("lib-from-rg", caller.DefaultOpts.LibFromRG, "Assign reads to samples by the SM field of their read group and key duplicate removal on the LB field")
	noRmdup      = flag.Bool("no-rmdup", caller.DefaultOpts.NoRmdup, "Disable PCR duplicate removal")
	minMapQ      = flag.Int("min-mapq", caller.DefaultOpts.MinMapQ, "Reads with MAPQ below this level are skipped")
	seqGenotyper = flag.Bool("seq-genotyper", caller.DefaultOpts.UseSeqAligner, "Genotype by haplotype alignment; disable for length-based EM genotyping")
	popFreqs     = flag.Bool("pop-freqs", caller.DefaultOpts.UsePopFreqs, "Weight length-based genotypes by learned population allele frequencies")
	recalcStut   = flag.Bool("recalc-stutter", caller.DefaultOpts.RecalcStutter, "Re-estimate stutter models from maximum-likelihood alignments (not yet implemented)")
	outputGLs    = flag.Bool("output-gls", caller.DefaultOpts.OutputGLs, "Include genotype log-likelihoods in call records")
	outputPLs    = flag.Bool("output-pls", caller.DefaultOpts.OutputPLs, "Include phred-scaled genotype likelihoods in call records")
	outputReads  = flag.Bool("output-all-reads", caller.DefaultOpts.OutputAllReads, "Include per-read repeat lengths in call records")
	minReads     = flag.Int("min-reads", caller.DefaultOpts.MinTotalReads, "Loci with fewer spanning reads are skipped")
	maxEMIter    = flag.Int("max-em-iter", caller.DefaultOpts.MaxEMIter, "Upper bound on EM iterations per locus")
	absConverge  = flag.Float64("abs-ll-converge", caller.DefaultOpts.AbsLLConverge, "EM convergence bound on the absolute log-likelihood change")
	fracConverge = flag.Float64("frac-ll-converge", caller.DefaultOpts.FracLLConverge, "EM convergence bound on the fractional log-likelihood change")
	haploidChrs  = flag.String("haploid-chrs", caller.DefaultOpts.HaploidChroms, "Comma-separated chromosomes to genotype as haploid")
	samples      = flag.String("samples", caller.DefaultOpts.Samples, "Comma-separated subset of samples to report in call records")
	parallelism  = flag.Int("parallelism", caller.DefaultOpts.Parallelism, "Maximum number of loci genotyped simultaneously; 0 = runtime.NumCPU()")
)

func strcallUsage() {
	fmt.Printf("Usage: %s [OPTIONS] {b,p}ampath fapath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = strcallUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 2 {
		if nPositionalArgs < 2 {
			log.Fatalf("Missing positional arguments ({b,p}ampath and fapath required); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		} else {
			log.Fatalf("Too many positional arguments (only {b,p}ampath and fapath expected); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		}
	}
	ctx := vcontext.Background()
	opts := caller.Opts{
		BamIndexPath:   *bamIndexPath,
		BedPath:        *regionsPath,
		StutterInPath:  *stutterIn,
		PanelPath:      *panelPath,
		CallsPath:      *callsPath,
		AllelesPath:    *allelesPath,
		StutterOutPath: *stutterOut,
		VizPath:        *vizPath,
		Sample:         *sample,
		LibFromRG:      *libFromRG,
		NoRmdup:        *noRmdup,
		MinMapQ:        *minMapQ,
		UseSeqAligner:  *seqGenotyper,
		UsePopFreqs:    *popFreqs,
		RecalcStutter:  *recalcStut,
		OutputGLs:      *outputGLs,
		OutputPLs:      *outputPLs,
		OutputAllReads: *outputReads,
		MinTotalReads:  *minReads,
		MaxEMIter:      *maxEMIter,
		AbsLLConverge:  *absConverge,
		FracLLConverge: *fracConverge,
		HaploidChroms:  *haploidChrs,
		Samples:        *samples,
		Parallelism:    *parallelism,
	}
	if err := caller.Run(ctx, positionalArgs[0], positionalArgs[1], opts); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
