package genotype

import "github.com/strtools/strcall/regions"

// PanelSource supplies known alternate allele sequences for a locus,
// typically loaded from a reference panel. Implementations must be
// safe for concurrent use.
type PanelSource interface {
	// Alleles returns the panel's alternate allele sequences for reg,
	// or nil when the panel has no entry for it.
	Alleles(reg regions.Region) []string
}
