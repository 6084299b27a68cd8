package genotype

import (
	"math"
	"sync"

	"github.com/strtools/strcall/basequal"
)

// The aligner scores a read against a candidate haplotype with an
// affine-gap Viterbi pass over match/insertion/deletion states. The
// read must be consumed in full; the haplotype's ends are free, since
// every haplotype embeds the repeat tract in wide chromosome flanks and
// reads land somewhere inside. Match emissions come from the base
// qualities, so a low-quality mismatch costs less than a high-quality
// one.

type floatMatrix struct {
	cols  int
	array []float64
}

func (m *floatMatrix) ensureSize(rows, cols int) {
	m.cols = cols
	totalSize := rows * cols
	if totalSize <= cap(m.array) {
		m.array = m.array[:totalSize]
	} else {
		m.array = make([]float64, totalSize)
	}
}

func (m *floatMatrix) rowView(row int) []float64 {
	offset := row * m.cols
	return m.array[offset : offset+m.cols]
}

type byteMatrix struct {
	cols  int
	array []byte
}

func (m *byteMatrix) ensureSize(rows, cols int) {
	m.cols = cols
	totalSize := rows * cols
	if totalSize <= cap(m.array) {
		m.array = m.array[:totalSize]
	} else {
		m.array = make([]byte, totalSize)
	}
}

func (m *byteMatrix) rowView(row int) []byte {
	offset := row * m.cols
	return m.array[offset : offset+m.cols]
}

type alignMatrices struct {
	match, insert, del    floatMatrix
	btMatch, btIns, btDel byteMatrix
}

var alignMatricesPool = sync.Pool{New: func() interface{} { return new(alignMatrices) }}

func getAlignMatrices() *alignMatrices {
	return alignMatricesPool.Get().(*alignMatrices)
}

func putAlignMatrices(m *alignMatrices) {
	alignMatricesPool.Put(m)
}

func (m *alignMatrices) ensureSize(readBases, hapBases int) {
	m.match.ensureSize(readBases, hapBases)
	m.insert.ensureSize(readBases, hapBases)
	m.del.ensureSize(readBases, hapBases)
	m.btMatch.ensureSize(readBases, hapBases)
	m.btIns.ensureSize(readBases, hapBases)
	m.btDel.ensureSize(readBases, hapBases)
}

// Transition log probabilities. Gap opening is priced at roughly one
// spurious indel per kilobase of read; extension follows a geometric
// tail. Stutter-induced length changes are not paid for here at all,
// they are priced by the stutter model on the tract-length difference.
var (
	logMatchStay = math.Log(1.0 - 2*0.001)
	logGapOpen   = math.Log(0.001)
	logGapExtend = math.Log(0.4)
	logGapClose  = math.Log(0.6)
)

// logInsEmit is the emission for an inserted read base, uniform over
// the four nucleotides.
var logInsEmit = math.Log(0.25)

func logMatchEmit(readBase, hapBase, qual byte) float64 {
	if readBase == 'N' || hapBase == 'N' {
		return logInsEmit
	}
	if readBase == hapBase {
		return basequal.LogProbCorrect(qual)
	}
	// A base-call error lands on each of the three other bases with
	// equal probability.
	return basequal.LogProbError(qual) - math.Log(3.0)
}

// Backtrack codes, per state: which predecessor state the maximum came
// from.
const (
	btFromMatch = byte(iota)
	btFromIns
	btFromDel
)

type hapAligner struct {
	m *alignMatrices
}

func newHapAligner() *hapAligner {
	return &hapAligner{m: getAlignMatrices()}
}

// release returns the pooled matrices. Safe to call more than once.
func (a *hapAligner) release() {
	if a.m != nil {
		putAlignMatrices(a.m)
		a.m = nil
	}
}

// fill runs the Viterbi pass and returns the best final (state, hap
// position) pair and its score. seq and qual are parallel; hap is the
// haplotype sequence.
func (a *hapAligner) fill(seq, qual, hap []byte) (endState byte, endJ int, score float64) {
	n, m := len(seq), len(hap)
	a.m.ensureSize(n+1, m+1)

	negInf := math.Inf(-1)
	match0 := a.m.match.rowView(0)
	ins0 := a.m.insert.rowView(0)
	del0 := a.m.del.rowView(0)
	for j := 0; j <= m; j++ {
		match0[j] = 0 // free start anywhere in the haplotype
		ins0[j] = negInf
		del0[j] = negInf
	}

	for i := 1; i <= n; i++ {
		prevMatch := a.m.match.rowView(i - 1)
		prevIns := a.m.insert.rowView(i - 1)
		prevDel := a.m.del.rowView(i - 1)
		curMatch := a.m.match.rowView(i)
		curIns := a.m.insert.rowView(i)
		curDel := a.m.del.rowView(i)
		btMatch := a.m.btMatch.rowView(i)
		btIns := a.m.btIns.rowView(i)
		btDel := a.m.btDel.rowView(i)

		curMatch[0] = negInf
		curIns[0] = negInf
		curDel[0] = negInf
		readBase := seq[i-1]
		q := qual[i-1]
		for j := 1; j <= m; j++ {
			// Match: diagonal step from any state.
			best, from := prevMatch[j-1]+logMatchStay, btFromMatch
			if v := prevIns[j-1] + logGapClose; v > best {
				best, from = v, btFromIns
			}
			if v := prevDel[j-1] + logGapClose; v > best {
				best, from = v, btFromDel
			}
			curMatch[j] = best + logMatchEmit(readBase, hap[j-1], q)
			btMatch[j] = from

			// Insertion: read base against a gap.
			best, from = prevMatch[j]+logGapOpen, btFromMatch
			if v := prevIns[j] + logGapExtend; v > best {
				best, from = v, btFromIns
			}
			curIns[j] = best + logInsEmit
			btIns[j] = from

			// Deletion: haplotype base against a gap.
			best, from = curMatch[j-1]+logGapOpen, btFromMatch
			if v := curDel[j-1] + logGapExtend; v > best {
				best, from = v, btFromDel
			}
			curDel[j] = best
			btDel[j] = from
		}
	}

	score = negInf
	endMatch := a.m.match.rowView(n)
	endIns := a.m.insert.rowView(n)
	for j := 1; j <= m; j++ {
		if endMatch[j] > score {
			score, endState, endJ = endMatch[j], btFromMatch, j
		}
		if endIns[j] > score {
			score, endState, endJ = endIns[j], btFromIns, j
		}
	}
	return endState, endJ, score
}

// logLikelihood returns the log probability of the read sequence given
// the haplotype, up to the shared free-start constant.
func (a *hapAligner) logLikelihood(seq, qual, hap []byte) float64 {
	_, _, score := a.fill(seq, qual, hap)
	return score
}

// align additionally reconstructs the gapped alignment strings for the
// best path.
func (a *hapAligner) align(seq, qual, hap []byte) (readAln, hapAln string, score float64) {
	state, j, score := a.fill(seq, qual, hap)
	i := len(seq)
	var readRev, hapRev []byte
	for i > 0 {
		switch state {
		case btFromMatch:
			from := a.m.btMatch.rowView(i)[j]
			readRev = append(readRev, seq[i-1])
			hapRev = append(hapRev, hap[j-1])
			i--
			j--
			state = from
		case btFromIns:
			from := a.m.btIns.rowView(i)[j]
			readRev = append(readRev, seq[i-1])
			hapRev = append(hapRev, '-')
			i--
			state = from
		default: // deletion
			from := a.m.btDel.rowView(i)[j]
			readRev = append(readRev, '-')
			hapRev = append(hapRev, hap[j-1])
			j--
			state = from
		}
	}
	for lo, hi := 0, len(readRev)-1; lo < hi; lo, hi = lo+1, hi-1 {
		readRev[lo], readRev[hi] = readRev[hi], readRev[lo]
		hapRev[lo], hapRev[hi] = hapRev[hi], hapRev[lo]
	}
	return string(readRev), string(hapRev), score
}
