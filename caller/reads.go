package caller

import (
	"sort"

	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/strtools/strcall/regions"
)

// locusReads holds one locus's usable alignments, bucketed per sample.
// paired[g][i]'s mate is mates[g][i]; unpaired holds reads whose mate
// was never fetched or that are single-end.
type locusReads struct {
	paired   [][]*sam.Record
	mates    [][]*sam.Record
	unpaired [][]*sam.Record
}

// collectLocusReads drains iter, keeping primary well-mapped reads and
// pairing mates by name within each bucket. A read counts as spanning
// candidate when its alignment overlaps the repeat tract; its mate is
// retained only to key duplicate removal. When both ends overlap, the
// first one seen is the genotyped read. Paired reads whose mate never
// shows up inside the fetch window are kept as unpaired fragments.
func collectLocusReads(iter bamprovider.Iterator, reg regions.Region, nBuckets, minMapQ int,
	bucketOf func(*sam.Record) (int, error)) (reads locusReads, err error) {
	defer func() {
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	reads = locusReads{
		paired:   make([][]*sam.Record, nBuckets),
		mates:    make([][]*sam.Record, nBuckets),
		unpaired: make([][]*sam.Record, nBuckets),
	}
	potentialStrs := make([]map[string]*sam.Record, nBuckets)
	potentialMates := make([]map[string]*sam.Record, nBuckets)
	for g := 0; g < nBuckets; g++ {
		potentialStrs[g] = make(map[string]*sam.Record)
		potentialMates[g] = make(map[string]*sam.Record)
	}

	for iter.Scan() {
		rec := iter.Record()
		if rec.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary|sam.QCFail|sam.Duplicate) != 0 {
			sam.PutInFreePool(rec)
			continue
		}
		if int(rec.MapQ) < minMapQ {
			sam.PutInFreePool(rec)
			continue
		}
		g, berr := bucketOf(rec)
		if berr != nil {
			return reads, berr
		}
		overlaps := rec.Pos < reg.Stop && rec.End() > reg.Start-1
		if !overlaps {
			if rec.Flags&sam.Paired == 0 {
				sam.PutInFreePool(rec)
				continue
			}
			if s, ok := potentialStrs[g][rec.Name]; ok {
				delete(potentialStrs[g], rec.Name)
				reads.paired[g] = append(reads.paired[g], s)
				reads.mates[g] = append(reads.mates[g], rec)
			} else if m, ok := potentialMates[g][rec.Name]; ok {
				// Neither end overlaps the tract; the pair is useless.
				delete(potentialMates[g], rec.Name)
				sam.PutInFreePool(m)
				sam.PutInFreePool(rec)
			} else {
				potentialMates[g][rec.Name] = rec
			}
			continue
		}
		if rec.Flags&sam.Paired == 0 {
			reads.unpaired[g] = append(reads.unpaired[g], rec)
			continue
		}
		if m, ok := potentialMates[g][rec.Name]; ok {
			delete(potentialMates[g], rec.Name)
			reads.paired[g] = append(reads.paired[g], rec)
			reads.mates[g] = append(reads.mates[g], m)
		} else if s, ok := potentialStrs[g][rec.Name]; ok {
			delete(potentialStrs[g], rec.Name)
			reads.paired[g] = append(reads.paired[g], s)
			reads.mates[g] = append(reads.mates[g], rec)
		} else {
			potentialStrs[g][rec.Name] = rec
		}
	}

	for g := 0; g < nBuckets; g++ {
		left := make([]*sam.Record, 0, len(potentialStrs[g]))
		for _, rec := range potentialStrs[g] {
			left = append(left, rec)
		}
		// Deterministic order regardless of map iteration.
		sort.Slice(left, func(i, j int) bool {
			if left[i].Pos != left[j].Pos {
				return left[i].Pos < left[j].Pos
			}
			return left[i].Name < left[j].Name
		})
		reads.unpaired[g] = append(reads.unpaired[g], left...)
		for _, rec := range potentialMates[g] {
			sam.PutInFreePool(rec)
		}
	}
	return reads, nil
}
