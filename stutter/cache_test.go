package stutter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strtools/strcall/regions"
)

func TestCacheLookup(t *testing.T) {
	cache := NewCache()
	reg := regions.Region{Chrom: "chr1", Start: 100, Stop: 150, Period: 4}
	_, ok := cache.Lookup(reg)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())

	cache.Add(reg, NewDefault(4))
	m, ok := cache.Lookup(reg)
	require.True(t, ok)
	assert.Equal(t, NewDefault(4), m)
	assert.Equal(t, 1, cache.Len())

	// Same chromosome, different coordinates: distinct key.
	_, ok = cache.Lookup(regions.Region{Chrom: "chr1", Start: 100, Stop: 160, Period: 4})
	assert.False(t, ok)
}

func TestCacheLookupClones(t *testing.T) {
	cache := NewCache()
	reg := regions.Region{Chrom: "chr1", Start: 100, Stop: 150, Period: 4}
	orig := NewDefault(4)
	cache.Add(reg, orig)

	// Mutating either the original or a looked-up clone must not change
	// what later lookups return.
	orig.InUp = 0.3
	m1, ok := cache.Lookup(reg)
	require.True(t, ok)
	m1.InDown = 0.4

	m2, ok := cache.Lookup(reg)
	require.True(t, ok)
	assert.Equal(t, 0.05, m2.InUp)
	assert.Equal(t, 0.05, m2.InDown)
}
