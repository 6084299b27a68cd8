// Package locus orchestrates per-locus STR genotyping: read-count
// gates, repeat-length extraction from CIGARs, stutter-model
// acquisition (cache lookup or EM training) and dispatch to the
// length-based or sequence-based genotyper.
package locus

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
	"github.com/strtools/strcall/cigar"
	"github.com/strtools/strcall/genotype"
	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
)

// CallSink receives finished genotype records.
type CallSink interface {
	WriteCall(c *genotype.Call) error
}

// AlleleSink receives candidate-allele records, written before
// genotyping runs.
type AlleleSink interface {
	WriteAlleles(c *genotype.Call) error
}

// ModelSink receives stutter models learned during training.
type ModelSink interface {
	WriteModel(reg regions.Region, m *stutter.Model) error
}

// VizSink receives per-read ML alignment traces.
type VizSink interface {
	WriteAlignments(reg regions.Region, alns []genotype.VizAlignment) error
}

// Input is one locus's worth of reads and metadata, assembled by the
// driver. Alignments and RGNames are parallel per read group, as are
// LogP1s/LogP2s when present; empty outer LogP1s/LogP2s mean no phasing
// information is available and every read phases neutrally.
// ReadFilterTime and PhaseInfoTime report how long the driver spent
// assembling the input, for the per-locus timing log.
type Input struct {
	Region    regions.Region
	RefAllele string
	// ChromSeq is the full reference sequence of the locus chromosome.
	ChromSeq []byte

	Alignments [][]*sam.Record
	LogP1s     [][]float64
	LogP2s     [][]float64
	RGNames    []string

	ReadFilterTime time.Duration
	PhaseInfoTime  time.Duration
}

// Processor genotypes loci one at a time. Stats must be non-nil.
// Models is consulted only with Opts.UseCachedModels. Sinks may be
// nil, which disables the corresponding output. ProcessLocus may be
// called from multiple goroutines as long as the sinks are safe for
// concurrent use.
type Processor struct {
	Opts   Opts
	Models *stutter.Cache
	Stats  *Stats
	Panel  genotype.PanelSource

	Calls    CallSink
	Alleles  AlleleSink
	ModelOut ModelSink
	Viz      VizSink
}

// ProcessLocus runs the genotyping pipeline for one locus. Per-locus
// failures (too few reads, cache miss, training or genotyping failure)
// are logged and counted, never returned; a non-nil error indicates a
// configuration problem or a sink write failure and should abort the
// run.
func (p *Processor) ProcessLocus(in *Input) error {
	reg := in.Region
	total := 0
	for _, recs := range in.Alignments {
		total += len(recs)
	}
	if total < p.Opts.MinTotalReads {
		log.Printf("Skipping locus with too few reads: TOTAL=%d, MIN=%d", total, p.Opts.MinTotalReads)
		return nil
	}
	if len(in.RGNames) != len(in.Alignments) {
		log.Panicf("locus: %d read groups with %d names at %s", len(in.Alignments), len(in.RGNames), reg)
	}
	if len(in.LogP1s) != 0 && (len(in.LogP1s) != len(in.Alignments) || len(in.LogP2s) != len(in.Alignments)) {
		log.Panicf("locus: mismatched phasing lists at %s: %d groups, %d logP1s, %d logP2s",
			reg, len(in.Alignments), len(in.LogP1s), len(in.LogP2s))
	}

	// Extract per-read repeat-length differences and phasing
	// log-likelihoods whenever the length-based genotyper may be
	// needed, for stutter training or for genotyping itself.
	bpDiffs := make([][]int, len(in.Alignments))
	logP1s := make([][]float64, len(in.Alignments))
	logP2s := make([][]float64, len(in.Alignments))
	infReads, skipCount := 0, 0
	if !p.Opts.UseCachedModels || !p.Opts.UseSeqAligner {
		winStart, winStop := reg.Start-1-reg.Period, reg.Stop-1+reg.Period
		for i, recs := range in.Alignments {
			if len(in.LogP1s) != 0 && (len(in.LogP1s[i]) != len(recs) || len(in.LogP2s[i]) != len(recs)) {
				log.Panicf("locus: group %q has %d reads but %d/%d phasing values at %s",
					in.RGNames[i], len(recs), len(in.LogP1s[i]), len(in.LogP2s[i]), reg)
			}
			for j, rec := range recs {
				d, ok := cigar.Diff(rec.Cigar, rec.Pos, winStart, winStop)
				if !ok {
					skipCount++
					continue
				}
				if d < -reg.Span() {
					log.Error.Printf("Excluding read with bp difference greater than reference allele: %s", rec.Name)
					continue
				}
				infReads++
				bpDiffs[i] = append(bpDiffs[i], d)
				if len(in.LogP1s) == 0 {
					// Equal phasing log-likelihoods: no phasing info.
					logP1s[i] = append(logP1s[i], 0)
					logP2s[i] = append(logP2s[i], 0)
				} else {
					logP1s[i] = append(logP1s[i], in.LogP1s[i][j])
					logP2s[i] = append(logP2s[i], in.LogP2s[i][j])
				}
			}
		}
	}
	if total-skipCount < p.Opts.MinTotalReads {
		log.Printf("Skipping locus with too few reads: TOTAL=%d, MIN=%d", total-skipCount, p.Opts.MinTotalReads)
		return nil
	}

	haploid := p.Opts.HaploidChroms[reg.Chrom]

	// Acquire the stutter model, from the cache or by EM training. The
	// locus owns its copy of the model.
	var (
		model     *stutter.Model
		lengthGen *genotype.EMGenotyper
	)
	stutterStart := time.Now()
	if p.Opts.UseCachedModels {
		if p.Models == nil {
			log.Panicf("locus: UseCachedModels set without a model cache")
		}
		var ok bool
		if model, ok = p.Models.Lookup(reg); !ok {
			log.Error.Printf("No stutter model found for %s", reg.Key())
		}
	} else {
		log.Debug.Printf("Building EM stutter genotyper")
		lengthGen = genotype.NewEMGenotyper(reg, haploid, bpDiffs, logP1s, logP2s, in.RGNames)
		log.Debug.Printf("Training EM stutter genotyper")
		if err := lengthGen.Train(p.Opts.MaxEMIter, p.Opts.AbsLLConverge, p.Opts.FracLLConverge); err == nil {
			if p.Opts.OutputStutterModels && p.ModelOut != nil {
				if werr := p.ModelOut.WriteModel(reg, lengthGen.Model()); werr != nil {
					return errors.Wrapf(werr, "locus: writing stutter model for %s", reg.Key())
				}
			}
			p.Stats.addEMOutcome(true)
			model = lengthGen.Model().Clone()
			log.Printf("Learned stutter model: %s", model)
		} else {
			p.Stats.addEMOutcome(false)
			log.Printf("Stutter model training failed for locus %s with %d informative reads: %v",
				reg.Key(), infReads, err)
		}
	}
	stutterTime := time.Since(stutterStart)
	p.Stats.addStutterTime(stutterTime)

	// Genotype under the model, when there is one.
	var (
		genotypeTime time.Duration
		seqGen       *genotype.SeqGenotyper
	)
	defer func() {
		if seqGen != nil {
			seqGen.Release()
		}
	}()
	if model != nil {
		genotypeStart := time.Now()
		if p.Opts.UseSeqAligner {
			var err error
			seqGen, err = genotype.NewSeqGenotyper(reg, haploid, in.ChromSeq, model, p.Panel,
				in.Alignments, in.LogP1s, in.LogP2s, in.RGNames)
			if err != nil {
				return err
			}
			if p.Opts.OutputAlleles && p.Alleles != nil {
				if werr := p.Alleles.WriteAlleles(seqGen.AlleleCall()); werr != nil {
					return errors.Wrapf(werr, "locus: writing allele record for %s", reg.Key())
				}
			}
			if p.Opts.OutputGenotypes {
				if gerr := seqGen.Genotype(); gerr == nil {
					p.Stats.addGenotypeOutcome(true)
					if p.Calls != nil {
						call := seqGen.Call(p.Opts.SamplesToGenotype,
							p.Opts.OutputGLs, p.Opts.OutputPLs, p.Opts.OutputAllReads)
						if werr := p.Calls.WriteCall(call); werr != nil {
							return errors.Wrapf(werr, "locus: writing call record for %s", reg.Key())
						}
					}
					if p.Opts.OutputViz && p.Viz != nil {
						if werr := p.Viz.WriteAlignments(reg, seqGen.VizAlignments()); werr != nil {
							return errors.Wrapf(werr, "locus: writing alignment viz for %s", reg.Key())
						}
					}
					if p.Opts.RecalcStutter {
						return fmt.Errorf("locus: recalc-stutter option not yet implemented")
					}
				} else {
					p.Stats.addGenotypeOutcome(false)
					log.Printf("Genotyping failed for locus %s: %v", reg.Key(), gerr)
				}
			}
		} else {
			if lengthGen == nil {
				lengthGen = genotype.NewEMGenotyper(reg, haploid, bpDiffs, logP1s, logP2s, in.RGNames)
				lengthGen.SetModel(model.Clone())
			}
			if p.Opts.OutputGenotypes {
				if gerr := lengthGen.Genotype(p.Opts.UsePopFreqs); gerr == nil {
					p.Stats.addGenotypeOutcome(true)
					if p.Calls != nil {
						call := lengthGen.Call(in.RefAllele, p.Opts.SamplesToGenotype,
							p.Opts.OutputGLs, p.Opts.OutputPLs, p.Opts.OutputAllReads)
						if werr := p.Calls.WriteCall(call); werr != nil {
							return errors.Wrapf(werr, "locus: writing call record for %s", reg.Key())
						}
					}
				} else {
					p.Stats.addGenotypeOutcome(false)
					log.Printf("Genotyping failed for locus %s: %v", reg.Key(), gerr)
				}
			}
		}
		genotypeTime = time.Since(genotypeStart)
		p.Stats.addGenotypeTime(genotypeTime)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Locus timing:\n")
	fmt.Fprintf(&b, " Read filtering      = %v\n", in.ReadFilterTime)
	fmt.Fprintf(&b, " SNP info extraction = %v\n", in.PhaseInfoTime)
	fmt.Fprintf(&b, " Stutter estimation  = %v\n", stutterTime)
	if model != nil {
		fmt.Fprintf(&b, " Genotyping          = %v\n", genotypeTime)
		if seqGen != nil {
			la, hg, ha, tb := seqGen.Timing()
			fmt.Fprintf(&b, "\t Left alignment       = %v\n", la)
			fmt.Fprintf(&b, "\t Haplotype generation = %v\n", hg)
			fmt.Fprintf(&b, "\t Haplotype alignment  = %v\n", ha)
			fmt.Fprintf(&b, "\t Alignment traceback  = %v\n", tb)
		}
	}
	log.Printf("%s", b.String())
	return nil
}
