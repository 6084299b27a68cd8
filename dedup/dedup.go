// Package dedup collapses PCR duplicates among the reads spanning an STR
// locus.
//
// Two sequenced fragments are treated as PCR duplicates of each other iff
// they come from the same sequencing library and their reads start at
// identical positions: for paired fragments the (min, max) of the two
// mates' start positions must match, and for single-end fragments the
// lone start must match. Single-end fragments use a -1 sentinel in place
// of the missing second start, so they never collide with paired ones.
//
// Each maximal set of duplicates is collapsed to the single member whose
// STR-spanning read has the highest total base quality, measured as the
// sum of per-base log probabilities of being correct. Quality ties keep
// the pair encountered first.
package dedup

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/strtools/strcall/basequal"
)

var rgTag = sam.Tag{'R', 'G'}

// ReadPair wraps the one or two alignments of a sequenced fragment for
// duplicate detection. It is built per read group, consumed once by the
// sort-and-collapse pass, and not persisted.
type ReadPair struct {
	read *sam.Record // the STR-spanning read; quality comparisons use it
	mate *sam.Record // nil for single-end fragments

	library  string
	minStart int // -1 for single-end fragments
	maxStart int
}

// NewPair wraps a paired read and its mate.
func NewPair(read, mate *sam.Record, library string) ReadPair {
	minStart, maxStart := read.Pos, mate.Pos
	if minStart > maxStart {
		minStart, maxStart = maxStart, minStart
	}
	return ReadPair{read: read, mate: mate, library: library, minStart: minStart, maxStart: maxStart}
}

// NewSingle wraps an unpaired read.
func NewSingle(read *sam.Record, library string) ReadPair {
	return ReadPair{read: read, library: library, minStart: -1, maxStart: read.Pos}
}

// SingleEnded reports whether p wraps an unpaired read.
func (p *ReadPair) SingleEnded() bool {
	return p.minStart == -1
}

// Duplicate reports whether p and other cover the same fragment within
// the same library.
func (p *ReadPair) Duplicate(other *ReadPair) bool {
	return p.library == other.library &&
		p.minStart == other.minStart &&
		p.maxStart == other.maxStart
}

// Less orders pairs by (library, minStart, maxStart), so that after
// sorting, duplicates of one another are always contiguous.
func (p *ReadPair) Less(other *ReadPair) bool {
	if p.library != other.library {
		return p.library < other.library
	}
	if p.minStart != other.minStart {
		return p.minStart < other.minStart
	}
	return p.maxStart < other.maxStart
}

func (p *ReadPair) String() string {
	return fmt.Sprintf("(%s,%d,%d)", p.library, p.minStart, p.maxStart)
}

// Deduplicator collapses PCR duplicates within per-read-group alignment
// lists.
type Deduplicator struct {
	// UseRGTags resolves each alignment's library from its RG aux tag.
	// When false, the library is resolved from the read group's name as
	// supplied to Collapse, which callers merging multiple inputs set to
	// the source identifier.
	UseRGTags bool

	// LibraryMap maps read group IDs (when UseRGTags is set) or group
	// names to sequencing libraries. A read that cannot be attributed to
	// a library makes deduplication unsound, so a missing entry is an
	// error rather than a fallback.
	LibraryMap map[string]string
}

func (d *Deduplicator) library(groupName string, r *sam.Record) (string, error) {
	key := groupName
	if d.UseRGTags {
		aux := r.AuxFields.Get(rgTag)
		if aux == nil {
			return "", fmt.Errorf("dedup: failed to retrieve RG tag for read %s", r.Name)
		}
		rg, ok := aux.Value().(string)
		if !ok {
			return "", fmt.Errorf("dedup: RG tag for read %s is not a string", r.Name)
		}
		key = rg
	}
	library, ok := d.LibraryMap[key]
	if !ok {
		return "", fmt.Errorf("dedup: no library found for read group %q", key)
	}
	return library, nil
}

// Collapse collapses PCR duplicates within one read group. paired and
// mates are parallel lists (paired[i]'s mate is mates[i]); unpaired holds
// the group's single-end reads. It returns the collapsed lists, with one
// representative per duplicate set, plus the number of fragments dropped.
func (d *Deduplicator) Collapse(groupName string, paired, mates, unpaired []*sam.Record) (
	outPaired, outMates, outUnpaired []*sam.Record, dups int, err error) {
	if len(paired) != len(mates) {
		log.Panicf("dedup: %d paired reads but %d mates in read group %q", len(paired), len(mates), groupName)
	}

	pairs := make([]ReadPair, 0, len(paired)+len(unpaired))
	for i, r := range paired {
		var library string
		if library, err = d.library(groupName, r); err != nil {
			return nil, nil, nil, 0, err
		}
		pairs = append(pairs, NewPair(r, mates[i], library))
	}
	for _, r := range unpaired {
		var library string
		if library, err = d.library(groupName, r); err != nil {
			return nil, nil, nil, 0, err
		}
		pairs = append(pairs, NewSingle(r, library))
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Less(&pairs[j]) })

	outPaired = make([]*sam.Record, 0, len(paired))
	outMates = make([]*sam.Record, 0, len(mates))
	outUnpaired = make([]*sam.Record, 0, len(unpaired))
	if len(pairs) == 0 {
		return outPaired, outMates, outUnpaired, 0, nil
	}

	flush := func(p *ReadPair) {
		if p.SingleEnded() {
			outUnpaired = append(outUnpaired, p.read)
		} else {
			outPaired = append(outPaired, p.read)
			outMates = append(outMates, p.mate)
		}
	}

	best := 0
	bestScore := basequal.SumLogProbCorrect(pairs[0].read.Qual)
	for j := 1; j < len(pairs); j++ {
		if pairs[j].Duplicate(&pairs[best]) {
			dups++
			// Keep the member whose STR read has the strictly higher
			// total quality; ties keep the earlier pair.
			if score := basequal.SumLogProbCorrect(pairs[j].read.Qual); score > bestScore {
				best, bestScore = j, score
			}
		} else {
			flush(&pairs[best])
			best = j
			bestScore = basequal.SumLogProbCorrect(pairs[j].read.Qual)
		}
	}
	flush(&pairs[best])
	return outPaired, outMates, outUnpaired, dups, nil
}

// CollapseAll collapses every read group independently. groupNames[i]
// names group i for library resolution when UseRGTags is unset. The
// inner slices of pairedByRG, matesByRG, and unpairedByRG are replaced
// with the collapsed lists. Returns the total number of fragments
// dropped across all groups.
func (d *Deduplicator) CollapseAll(groupNames []string, pairedByRG, matesByRG, unpairedByRG [][]*sam.Record) (int, error) {
	if len(pairedByRG) != len(matesByRG) || len(pairedByRG) != len(unpairedByRG) || len(pairedByRG) != len(groupNames) {
		log.Panicf("dedup: mismatched read group lists: %d paired, %d mates, %d unpaired, %d names",
			len(pairedByRG), len(matesByRG), len(unpairedByRG), len(groupNames))
	}
	total := 0
	for i := range pairedByRG {
		paired, mates, unpaired, dups, err := d.Collapse(groupNames[i], pairedByRG[i], matesByRG[i], unpairedByRG[i])
		if err != nil {
			return 0, err
		}
		pairedByRG[i], matesByRG[i], unpairedByRG[i] = paired, mates, unpaired
		total += dups
	}
	log.Printf("Removed %d PCR duplicate fragments", total)
	return total, nil
}
