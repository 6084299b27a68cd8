package caller

import (
	"fmt"
	"testing"

	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/strtools/strcall/regions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chrT, _ = sam.NewReference("chrT", "", "", 10000, nil, nil)

func fetchRegion() regions.Region {
	return regions.Region{Chrom: "chrT", Start: 101, Stop: 110, Period: 2, Name: "toy"}
}

// fakeIterator replays a fixed record list.
type fakeIterator struct {
	recs   []*sam.Record
	i      int
	err    error
	closed bool
}

var _ bamprovider.Iterator = (*fakeIterator)(nil)

func (f *fakeIterator) Scan() bool {
	if f.err != nil || f.i >= len(f.recs) {
		return false
	}
	f.i++
	return true
}

func (f *fakeIterator) Record() *sam.Record { return f.recs[f.i-1] }
func (f *fakeIterator) Err() error          { return f.err }

func (f *fakeIterator) Close() error {
	f.closed = true
	return f.err
}

func mappedRead(name string, pos int, flags sam.Flags) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = chrT
	r.Pos = pos
	r.Flags = flags
	r.MapQ = 60
	r.Cigar = sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 30)}
	return r
}

func singleBucket(*sam.Record) (int, error) { return 0, nil }

func names(recs []*sam.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

func TestCollectLocusReadsPairing(t *testing.T) {
	lowq := mappedRead("lowq", 60, sam.Paired)
	lowq.MapQ = 5
	unmapped := mappedRead("unmapped", 100, sam.Paired|sam.Unmapped)
	iter := &fakeIterator{recs: []*sam.Record{
		mappedRead("p2", 10, sam.Paired), // mate seen before its STR read
		mappedRead("solofar", 10, 0),     // single-end, away from the locus
		mappedRead("far", 12, sam.Paired),
		lowq,
		mappedRead("o1", 90, 0), // single-end, spanning
		mappedRead("far", 60, sam.Paired), // neither "far" end overlaps: pair dropped
		mappedRead("p1", 95, sam.Paired),
		mappedRead("p3", 96, sam.Paired),
		mappedRead("a5", 98, sam.Paired), // mate never arrives
		mappedRead("p2", 100, sam.Paired),
		unmapped,
		mappedRead("dup", 100, sam.Paired|sam.Duplicate),
		mappedRead("sec", 101, sam.Secondary),
		mappedRead("p3", 104, sam.Paired), // both ends overlap: first one is the STR read
		mappedRead("z4", 105, sam.Paired), // mate never arrives
		mappedRead("p1", 400, sam.Paired),
		mappedRead("ghost", 500, sam.Paired), // stray mate, never claimed
	}}

	reads, err := collectLocusReads(iter, fetchRegion(), 1, 20, singleBucket)
	require.NoError(t, err)
	assert.True(t, iter.closed)

	require.Len(t, reads.paired, 1)
	assert.Equal(t, []string{"p2", "p3", "p1"}, names(reads.paired[0]))
	assert.Equal(t, []string{"p2", "p3", "p1"}, names(reads.mates[0]))
	assert.Equal(t, []int{100, 96, 95}, []int{reads.paired[0][0].Pos, reads.paired[0][1].Pos, reads.paired[0][2].Pos})
	assert.Equal(t, []int{10, 104, 400}, []int{reads.mates[0][0].Pos, reads.mates[0][1].Pos, reads.mates[0][2].Pos})

	// Unmatched overlapping reads come last, ordered by position.
	assert.Equal(t, []string{"o1", "a5", "z4"}, names(reads.unpaired[0]))
}

func TestCollectLocusReadsBuckets(t *testing.T) {
	bucketOf := func(r *sam.Record) (int, error) {
		if r.Name[0] == 'a' {
			return 0, nil
		}
		return 1, nil
	}
	iter := &fakeIterator{recs: []*sam.Record{
		mappedRead("a1", 95, sam.Paired),
		mappedRead("b1", 96, 0),
		mappedRead("a1", 104, sam.Paired),
	}}

	reads, err := collectLocusReads(iter, fetchRegion(), 2, 0, bucketOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, names(reads.paired[0]))
	assert.Empty(t, reads.unpaired[0])
	assert.Empty(t, reads.paired[1])
	assert.Equal(t, []string{"b1"}, names(reads.unpaired[1]))
}

func TestCollectLocusReadsBucketError(t *testing.T) {
	bucketOf := func(r *sam.Record) (int, error) {
		return 0, fmt.Errorf("unknown read group for %s", r.Name)
	}
	iter := &fakeIterator{recs: []*sam.Record{mappedRead("r1", 100, 0)}}

	_, err := collectLocusReads(iter, fetchRegion(), 1, 0, bucketOf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown read group")
	assert.True(t, iter.closed)
}

func TestCollectLocusReadsIteratorError(t *testing.T) {
	iter := &fakeIterator{err: fmt.Errorf("truncated BAM")}

	_, err := collectLocusReads(iter, fetchRegion(), 1, 0, singleBucket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated BAM")
}
