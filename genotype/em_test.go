package genotype

import (
	"math"
	"testing"

	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emRegion() regions.Region {
	return regions.Region{Chrom: "chr1", Start: 101, Stop: 110, Period: 2, Name: "toy"}
}

func zeros(n int) []float64 {
	return make([]float64, n)
}

func repeated(d, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = d
	}
	return s
}

func TestGenotypeOrder(t *testing.T) {
	want := [][2]int{{0, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}, {2, 2}}
	assert.Equal(t, want, GenotypeOrder(3))
	assert.Equal(t, [][2]int{{0, 0}}, GenotypeOrder(1))
}

func TestPhredScale(t *testing.T) {
	assert.Equal(t, []int{0, 10, 100}, PhredScale([]float64{-1, -2, -11}))
	assert.Equal(t, []int{0, maxPhred}, PhredScale([]float64{-1, math.Inf(-1)}))
}

func TestAltAllele(t *testing.T) {
	assert.Equal(t, "ACAC", altAllele("ACACAC", 2, -2))
	assert.Equal(t, "ACACACACAC", altAllele("ACACAC", 2, 4))
	assert.Equal(t, "ACACACA", altAllele("ACACAC", 2, 1))
	assert.Equal(t, "A", altAllele("ACACAC", 2, -6))
}

func TestEMTrainHomozygousRef(t *testing.T) {
	// 20 reads at the reference length, 2 with a one-unit contraction.
	diffs := [][]int{append(repeated(0, 20), -2, -2)}
	g := NewEMGenotyper(emRegion(), false, diffs, [][]float64{zeros(22)}, [][]float64{zeros(22)}, []string{"s1"})
	require.NoError(t, g.Train(100, 0.01, 0.001))

	m := g.Model()
	require.NotNil(t, m)
	assert.NoError(t, m.Valid())
	assert.True(t, m.InDown > m.InUp)
	// Most reads carry no artifact, so the no-stutter mass dominates.
	assert.True(t, math.Exp(m.LogStutterProb(0)) > 0.8)

	require.NoError(t, g.Genotype(false))
	c := g.Call("ACACACACAC", nil, true, true, true)
	assert.Equal(t, []string{"ACACACAC"}, c.AltAlleles)
	require.Len(t, c.Samples, 1)
	sc := c.Samples[0]
	assert.Equal(t, [2]int{0, 0}, sc.Alleles)
	assert.False(t, sc.Haploid)
	assert.Equal(t, 22, sc.Depth)
	assert.True(t, sc.Quality > 0.9)
	assert.Len(t, sc.GLs, 3)
	assert.Len(t, sc.PLs, 3)
	assert.Equal(t, 0, sc.PLs[0])
	require.Len(t, sc.Reads, 22)
	assert.Equal(t, "0", sc.Reads[0])
	assert.Equal(t, "-2", sc.Reads[21])
}

func TestEMTrainHeterozygous(t *testing.T) {
	diffs := [][]int{append(repeated(0, 10), repeated(4, 10)...)}
	g := NewEMGenotyper(emRegion(), false, diffs, [][]float64{zeros(20)}, [][]float64{zeros(20)}, []string{"s1"})
	require.NoError(t, g.Train(100, 0.01, 0.001))

	require.NoError(t, g.Genotype(false))
	c := g.Call("ACACACACAC", nil, false, true, false)
	assert.Equal(t, []string{"ACACACACACACAC"}, c.AltAlleles)
	require.Len(t, c.Samples, 1)
	sc := c.Samples[0]
	assert.Equal(t, [2]int{0, 1}, sc.Alleles)
	assert.True(t, sc.Quality > 0.9)
	assert.Nil(t, sc.GLs)
	assert.Equal(t, 0, sc.PLs[1])

	// The trained frequencies support population priors.
	require.NoError(t, g.Genotype(true))
	assert.Equal(t, [2]int{0, 1}, g.Call("ACACACACAC", nil, false, false, false).Samples[0].Alleles)
}

func TestEMTrainNoReads(t *testing.T) {
	g := NewEMGenotyper(emRegion(), false, [][]int{{}}, [][]float64{{}}, [][]float64{{}}, []string{"s1"})
	err := g.Train(100, 0.01, 0.001)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no informative reads")
	assert.Nil(t, g.Model())
}

func TestEMTrainNonConvergence(t *testing.T) {
	diffs := [][]int{append(repeated(0, 10), repeated(2, 10)...)}
	g := NewEMGenotyper(emRegion(), false, diffs, [][]float64{zeros(20)}, [][]float64{zeros(20)}, []string{"s1"})
	err := g.Train(1, 0.01, 0.001)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not converge within 1 iterations")
	assert.Nil(t, g.Model())
}

func TestEMGenotypeRequiresModel(t *testing.T) {
	diffs := [][]int{repeated(0, 5)}
	g := NewEMGenotyper(emRegion(), false, diffs, [][]float64{zeros(5)}, [][]float64{zeros(5)}, []string{"s1"})
	err := g.Genotype(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stutter model")

	g.SetModel(stutter.NewDefault(2))
	require.NoError(t, g.Genotype(false))

	// Population priors need frequencies from training, not just a model.
	err = g.Genotype(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "population frequencies unavailable")
}

func TestEMHaploid(t *testing.T) {
	diffs := [][]int{append(repeated(0, 10), -2, -2)}
	g := NewEMGenotyper(emRegion(), true, diffs, [][]float64{zeros(12)}, [][]float64{zeros(12)}, []string{"s1"})
	require.NoError(t, g.Train(100, 0.01, 0.001))
	require.NoError(t, g.Genotype(false))

	c := g.Call("ACACACACAC", nil, true, true, false)
	require.Len(t, c.Samples, 1)
	sc := c.Samples[0]
	assert.True(t, sc.Haploid)
	assert.Equal(t, sc.Alleles[0], sc.Alleles[1])
	assert.Equal(t, [2]int{0, 0}, sc.Alleles)
	// Heterozygous slots are impossible for a haploid sample.
	require.Len(t, sc.GLs, 3)
	assert.True(t, math.IsInf(sc.GLs[1], -1))
	assert.Equal(t, maxPhred, sc.PLs[1])
}

func TestEMTwoSamples(t *testing.T) {
	diffs := [][]int{repeated(0, 10), repeated(-2, 10)}
	lp := [][]float64{zeros(10), zeros(10)}
	g := NewEMGenotyper(emRegion(), false, diffs, lp, lp, []string{"s1", "s2"})
	require.NoError(t, g.Train(100, 0.01, 0.001))
	require.NoError(t, g.Genotype(false))

	c := g.Call("ACACACACAC", nil, false, false, false)
	require.Len(t, c.Samples, 2)
	assert.Equal(t, "s1", c.Samples[0].Sample)
	assert.Equal(t, [2]int{0, 0}, c.Samples[0].Alleles)
	assert.Equal(t, "s2", c.Samples[1].Sample)
	assert.Equal(t, [2]int{1, 1}, c.Samples[1].Alleles)

	only := g.Call("ACACACACAC", []string{"s2"}, false, false, false)
	require.Len(t, only.Samples, 1)
	assert.Equal(t, "s2", only.Samples[0].Sample)
}
