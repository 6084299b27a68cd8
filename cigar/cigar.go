// Package cigar derives repeat-length information from alignment CIGARs.
// All coordinates are 0-based with inclusive window ends, matching
// sam.Record.Pos.
package cigar

import (
	"github.com/grailbio/hts/sam"
)

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// Diff returns the net inserted-minus-deleted base count that an
// alignment starting at pos places inside the window [start, stop], and
// whether a size could be derived at all. No size can be derived when
// the alignment does not fully span the window, contains reference
// skips, or uses a CIGAR code with no defined reference span.
//
// An insertion contributes its full length when it falls strictly inside
// the window; a deletion contributes the negated size of its overlap
// with the window.
func Diff(co sam.Cigar, pos, start, stop int) (int, bool) {
	refPos := pos
	diff := 0
	for _, op := range co {
		opLen := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			refPos += opLen
		case sam.CigarInsertion:
			if refPos > start && refPos <= stop {
				diff += opLen
			}
		case sam.CigarDeletion:
			lo := max(refPos, start)
			hi := min(refPos+opLen-1, stop)
			if hi >= lo {
				diff -= hi - lo + 1
			}
			refPos += opLen
		case sam.CigarSoftClipped, sam.CigarHardClipped, sam.CigarPadded:
			// No reference span.
		default:
			// Reference skips and exotic codes leave the repeat length
			// undefined.
			return 0, false
		}
	}
	if pos > start || refPos <= stop {
		return 0, false
	}
	return diff, true
}

// LeftAlign returns a copy of co with every insertion and deletion
// shifted as far left as the flanking sequence allows, the normalization
// that makes indel placement within a repeat tract deterministic. seq is
// the expanded read sequence and chrom the chromosome sequence, indexed
// by reference position. The second return is false when the CIGAR is
// inconsistent with seq or runs past the end of chrom, in which case the
// original CIGAR is returned unchanged.
//
// Indels that directly follow another indel keep their position; only
// match-flanked ones can move.
func LeftAlign(co sam.Cigar, pos int, seq, chrom []byte) (sam.Cigar, bool) {
	refAt := make([]int, len(co))
	readAt := make([]int, len(co))
	refPos, readPos := pos, 0
	for i, op := range co {
		refAt[i], readAt[i] = refPos, readPos
		opLen := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			refPos += opLen
			readPos += opLen
		case sam.CigarInsertion, sam.CigarSoftClipped:
			readPos += opLen
		case sam.CigarDeletion, sam.CigarSkipped:
			refPos += opLen
		case sam.CigarHardClipped, sam.CigarPadded:
		default:
			return co, false
		}
	}
	if readPos != len(seq) || refPos > len(chrom) {
		return co, false
	}

	// An indel may move one base left whenever the base preceding it
	// equals the last base of the indel content. Shifting never changes
	// the reference or read offset of later ops, so all shifts can be
	// computed from the original coordinates.
	shifts := make([]int, len(co))
	for i := 1; i < len(co); i++ {
		opType := co[i].Type()
		if opType != sam.CigarInsertion && opType != sam.CigarDeletion {
			continue
		}
		if co[i-1].Type() != sam.CigarMatch && co[i-1].Type() != sam.CigarEqual {
			continue
		}
		opLen := co[i].Len()
		maxShift := co[i-1].Len()
		shift := 0
		if opType == sam.CigarDeletion {
			r := refAt[i]
			for shift < maxShift && chrom[r-shift-1] == chrom[r-shift-1+opLen] {
				shift++
			}
		} else {
			q := readAt[i]
			for shift < maxShift && seq[q-shift-1] == seq[q-shift-1+opLen] {
				shift++
			}
		}
		shifts[i] = shift
	}

	// Rebuild: each shifted indel takes bases from the match before it
	// and hands them to the next match (or a new trailing one).
	out := make(sam.Cigar, 0, len(co)+1)
	carry := 0
	for i, op := range co {
		switch {
		case shifts[i] > 0:
			prev := out[len(out)-1]
			out[len(out)-1] = sam.NewCigarOp(prev.Type(), prev.Len()-shifts[i])
			out = append(out, op)
			carry = shifts[i]
		case carry > 0 && (op.Type() == sam.CigarMatch || op.Type() == sam.CigarEqual):
			out = append(out, sam.NewCigarOp(op.Type(), op.Len()+carry))
			carry = 0
		default:
			out = append(out, op)
		}
	}
	if carry > 0 {
		out = append(out, sam.NewCigarOp(sam.CigarMatch, carry))
	}

	trimmed := out[:0]
	for _, op := range out {
		if op.Len() > 0 {
			trimmed = append(trimmed, op)
		}
	}
	return trimmed, true
}

// WindowSeq extracts the read bases aligned inside the window
// [start, stop], in read order. Insertions contribute their bases under
// the same anchoring rule as Diff, deleted positions contribute
// nothing. The second return is false when the alignment does not fully
// span the window or the CIGAR overruns seq, so that for spanning reads
// len(window) - (stop-start+1) always equals Diff.
func WindowSeq(co sam.Cigar, pos int, seq []byte, start, stop int) ([]byte, bool) {
	refPos, readPos := pos, 0
	var out []byte
	for _, op := range co {
		opLen := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			lo := max(refPos, start)
			hi := min(refPos+opLen-1, stop)
			if hi >= lo {
				qlo := readPos + lo - refPos
				qhi := readPos + hi - refPos
				if qhi >= len(seq) {
					return nil, false
				}
				out = append(out, seq[qlo:qhi+1]...)
			}
			refPos += opLen
			readPos += opLen
		case sam.CigarInsertion:
			if refPos > start && refPos <= stop {
				if readPos+opLen > len(seq) {
					return nil, false
				}
				out = append(out, seq[readPos:readPos+opLen]...)
			}
			readPos += opLen
		case sam.CigarDeletion:
			refPos += opLen
		case sam.CigarSoftClipped:
			readPos += opLen
		case sam.CigarHardClipped, sam.CigarPadded:
		default:
			return nil, false
		}
	}
	if pos > start || refPos <= stop {
		return nil, false
	}
	return out, true
}
