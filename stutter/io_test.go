package stutter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/base/tsv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strtools/strcall/regions"
)

func TestModelRoundTrip(t *testing.T) {
	reg1 := regions.Region{Chrom: "chr1", Start: 100, Stop: 150, Period: 4}
	reg2 := regions.Region{Chrom: "chr9", Start: 27573485, Stop: 27573546, Period: 6}
	m1 := NewDefault(4)
	m2 := &Model{
		Period:  6,
		InGeom:  0.85,
		InUp:    0.08,
		InDown:  0.11,
		OutGeom: 0.95,
		OutUp:   0.002,
		OutDown: 0.003,
	}

	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	require.NoError(t, WriteHeader(w))
	require.NoError(t, WriteModel(w, reg1, m1))
	require.NoError(t, WriteModel(w, reg2, m2))
	require.NoError(t, w.Flush())

	cache, err := ReadModels(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	got1, ok := cache.Lookup(reg1)
	require.True(t, ok)
	assert.Equal(t, m1, got1)

	got2, ok := cache.Lookup(reg2)
	require.True(t, ok)
	assert.Equal(t, m2, got2)
}

func TestReadModelsRejectsInvalid(t *testing.T) {
	in := "Chrom\tStart\tStop\tPeriod\tInGeom\tInDown\tInUp\tOutGeom\tOutDown\tOutUp\n" +
		"chr1\t100\t150\t4\t0.9\t0.6\t0.5\t0.9\t0.01\t0.01\n"
	_, err := ReadModels(strings.NewReader(in))
	assert.Error(t, err)
}
