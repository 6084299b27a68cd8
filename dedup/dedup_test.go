package dedup

import (
	"sort"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _ = sam.NewReference("chr1", "", "", 10000, nil, nil)

	pairedF = sam.Paired | sam.Read1
	pairedR = sam.Paired | sam.Read2 | sam.Reverse
)

func newRecord(name string, pos int, flags sam.Flags, qual []byte) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = chr1
	r.Pos = pos
	r.Flags = flags
	r.Qual = qual
	return r
}

func newRecordRG(name string, pos int, flags sam.Flags, qual []byte, rg string) *sam.Record {
	r := newRecord(name, pos, flags, qual)
	aux, err := sam.NewAux(sam.NewTag("RG"), rg)
	if err != nil {
		panic(err)
	}
	r.AuxFields = append(r.AuxFields, aux)
	return r
}

func quals(q byte, n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = q
	}
	return s
}

func names(recs []*sam.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

func singleLibrary() *Deduplicator {
	return &Deduplicator{LibraryMap: map[string]string{"rg1": "lib1"}}
}

func TestCollapseKeepsHighestQuality(t *testing.T) {
	d := singleLibrary()
	paired := []*sam.Record{
		newRecord("loQ", 100, pairedF, quals(20, 10)),
		newRecord("hiQ", 100, pairedF, quals(40, 10)),
	}
	mates := []*sam.Record{
		newRecord("loQ", 150, pairedR, quals(20, 10)),
		newRecord("hiQ", 150, pairedR, quals(40, 10)),
	}

	outPaired, outMates, outUnpaired, dups, err := d.Collapse("rg1", paired, mates, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dups)
	assert.Empty(t, outUnpaired)
	require.Equal(t, 1, len(outPaired))
	require.Equal(t, 1, len(outMates))
	assert.Equal(t, "hiQ", outPaired[0].Name)
	assert.Equal(t, "hiQ", outMates[0].Name)
}

func TestCollapseTieKeepsFirst(t *testing.T) {
	d := singleLibrary()
	paired := []*sam.Record{
		newRecord("first", 100, pairedF, quals(30, 10)),
		newRecord("second", 100, pairedF, quals(30, 10)),
		newRecord("third", 100, pairedF, quals(30, 10)),
	}
	mates := []*sam.Record{
		newRecord("first", 150, pairedR, quals(30, 10)),
		newRecord("second", 150, pairedR, quals(30, 10)),
		newRecord("third", 150, pairedR, quals(30, 10)),
	}

	outPaired, _, _, dups, err := d.Collapse("rg1", paired, mates, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dups)
	require.Equal(t, 1, len(outPaired))
	assert.Equal(t, "first", outPaired[0].Name)
}

func TestCollapseNoDuplicates(t *testing.T) {
	d := singleLibrary()
	paired := []*sam.Record{
		newRecord("a", 100, pairedF, quals(30, 10)),
		newRecord("b", 100, pairedF, quals(30, 10)), // same min, different max
		newRecord("c", 120, pairedF, quals(30, 10)),
	}
	mates := []*sam.Record{
		newRecord("a", 150, pairedR, quals(30, 10)),
		newRecord("b", 160, pairedR, quals(30, 10)),
		newRecord("c", 150, pairedR, quals(30, 10)),
	}
	unpaired := []*sam.Record{
		newRecord("d", 100, 0, quals(30, 10)), // single-end at a paired min-start
		newRecord("e", 130, 0, quals(30, 10)),
	}

	outPaired, outMates, outUnpaired, dups, err := d.Collapse("rg1", paired, mates, unpaired)
	require.NoError(t, err)
	assert.Equal(t, 0, dups)
	assert.Equal(t, []string{"a", "b", "c"}, names(outPaired))
	assert.Equal(t, []string{"a", "b", "c"}, names(outMates))
	assert.Equal(t, []string{"d", "e"}, names(outUnpaired))
}

func TestCollapseEmptyGroup(t *testing.T) {
	d := singleLibrary()
	outPaired, outMates, outUnpaired, dups, err := d.Collapse("rg1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, dups)
	assert.Empty(t, outPaired)
	assert.Empty(t, outMates)
	assert.Empty(t, outUnpaired)
}

func TestCollapseSingleEnd(t *testing.T) {
	d := singleLibrary()
	// Mate starts swapped across the two pairs: identity uses (min, max),
	// so these two are still duplicates of each other.
	paired := []*sam.Record{
		newRecord("p1", 100, pairedF, quals(30, 10)),
		newRecord("p2", 150, pairedR, quals(31, 10)),
	}
	mates := []*sam.Record{
		newRecord("p1", 150, pairedR, quals(30, 10)),
		newRecord("p2", 100, pairedF, quals(31, 10)),
	}
	// Three single-end reads, two of them duplicates of each other. The
	// one at position 100 shares a start with the paired fragments but
	// must not collapse into them.
	unpaired := []*sam.Record{
		newRecord("s1", 100, 0, quals(30, 10)),
		newRecord("s2", 100, 0, quals(35, 10)),
		newRecord("s3", 200, 0, quals(30, 10)),
	}

	outPaired, _, outUnpaired, dups, err := d.Collapse("rg1", paired, mates, unpaired)
	require.NoError(t, err)
	assert.Equal(t, 2, dups)
	require.Equal(t, 1, len(outPaired))
	assert.Equal(t, "p2", outPaired[0].Name)
	assert.Equal(t, []string{"s2", "s3"}, names(outUnpaired))
}

func TestCollapseRGTags(t *testing.T) {
	d := &Deduplicator{
		UseRGTags:  true,
		LibraryMap: map[string]string{"rgA": "libA", "rgB": "libB", "rgC": "libA"},
	}
	// Identical coordinates; rgA and rgC resolve to the same library and
	// collapse, rgB stays.
	paired := []*sam.Record{
		newRecordRG("a", 100, pairedF, quals(30, 10), "rgA"),
		newRecordRG("b", 100, pairedF, quals(30, 10), "rgB"),
		newRecordRG("c", 100, pairedF, quals(35, 10), "rgC"),
	}
	mates := []*sam.Record{
		newRecordRG("a", 150, pairedR, quals(30, 10), "rgA"),
		newRecordRG("b", 150, pairedR, quals(30, 10), "rgB"),
		newRecordRG("c", 150, pairedR, quals(35, 10), "rgC"),
	}

	outPaired, _, _, dups, err := d.Collapse("ignored", paired, mates, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dups)
	assert.Equal(t, []string{"b", "c"}, names(outPaired))
}

func TestCollapseLibraryErrors(t *testing.T) {
	d := &Deduplicator{UseRGTags: true, LibraryMap: map[string]string{"rgA": "libA"}}

	// No RG tag at all.
	paired := []*sam.Record{newRecord("a", 100, pairedF, quals(30, 10))}
	mates := []*sam.Record{newRecord("a", 150, pairedR, quals(30, 10))}
	_, _, _, _, err := d.Collapse("rg1", paired, mates, nil)
	assert.Error(t, err)

	// RG tag present but unmapped.
	paired = []*sam.Record{newRecordRG("b", 100, pairedF, quals(30, 10), "rgX")}
	mates = []*sam.Record{newRecordRG("b", 150, pairedR, quals(30, 10), "rgX")}
	_, _, _, _, err = d.Collapse("rg1", paired, mates, nil)
	assert.Error(t, err)

	// Group name unmapped when not reading RG tags.
	d = &Deduplicator{LibraryMap: map[string]string{"rg1": "lib1"}}
	_, _, _, _, err = d.Collapse("rg2", nil, nil, []*sam.Record{newRecord("c", 100, 0, quals(30, 10))})
	assert.Error(t, err)
}

func TestCollapseAll(t *testing.T) {
	d := &Deduplicator{LibraryMap: map[string]string{"rg1": "lib1", "rg2": "lib2"}}
	pairedByRG := [][]*sam.Record{
		{
			newRecord("a1", 100, pairedF, quals(30, 10)),
			newRecord("a2", 100, pairedF, quals(32, 10)),
		},
		{
			newRecord("b1", 100, pairedF, quals(30, 10)),
		},
	}
	matesByRG := [][]*sam.Record{
		{
			newRecord("a1", 150, pairedR, quals(30, 10)),
			newRecord("a2", 150, pairedR, quals(32, 10)),
		},
		{
			newRecord("b1", 150, pairedR, quals(30, 10)),
		},
	}
	unpairedByRG := [][]*sam.Record{
		{
			newRecord("a3", 300, 0, quals(30, 10)),
			newRecord("a4", 300, 0, quals(30, 10)),
		},
		nil,
	}

	total, err := d.CollapseAll([]string{"rg1", "rg2"}, pairedByRG, matesByRG, unpairedByRG)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"a2"}, names(pairedByRG[0]))
	assert.Equal(t, []string{"a3"}, names(unpairedByRG[0]))
	assert.Equal(t, []string{"b1"}, names(pairedByRG[1]))

	// Fragment conservation: inputs = outputs + removed.
	out := len(pairedByRG[0]) + len(pairedByRG[1]) + len(unpairedByRG[0]) + len(unpairedByRG[1])
	assert.Equal(t, 5, out+total)
}

func TestCollapseAllMismatchedGroupsPanics(t *testing.T) {
	d := singleLibrary()
	assert.Panics(t, func() {
		_, _ = d.CollapseAll([]string{"rg1"}, make([][]*sam.Record, 1), make([][]*sam.Record, 2), make([][]*sam.Record, 1))
	})
	assert.Panics(t, func() {
		_, _, _, _, _ = d.Collapse("rg1", make([]*sam.Record, 2), make([]*sam.Record, 1), nil)
	})
}

func TestReadPair(t *testing.T) {
	a := newRecord("a", 120, pairedF, quals(30, 10))
	b := newRecord("b", 100, pairedR, quals(30, 10))
	p := NewPair(a, b, "lib1")
	assert.False(t, p.SingleEnded())
	assert.Equal(t, "(lib1,100,120)", p.String())

	s := NewSingle(a, "lib1")
	assert.True(t, s.SingleEnded())
	assert.Equal(t, "(lib1,-1,120)", s.String())
	assert.False(t, s.Duplicate(&p))

	// Ordering: library, then minStart, then maxStart.
	q := NewPair(newRecord("c", 100, pairedF, nil), newRecord("d", 110, pairedR, nil), "lib1")
	assert.True(t, q.Less(&p))
	assert.False(t, p.Less(&q))
	r := NewSingle(a, "lib0")
	assert.True(t, r.Less(&q))
}
