// Package basequal provides phred base-quality math over precomputed
// tables. Qualities are raw phred values (no +33 ASCII offset), as stored
// in sam.Record.Qual.
package basequal

import (
	"math"

	"github.com/grailbio/base/simd"
)

// All functions here assume input qual scores are never larger than
// (nQual - 1); larger values are clamped before the table lookup.
const nQual = 96

// minQual floors qualities when computing the probability that a base
// call is correct. A qual of 0 means P(error) = 1, whose log-correct
// probability is -Inf; flooring keeps scores finite and comparable.
const minQual = 1

var (
	logProbCorrectTable [nQual]float64
	logProbErrorTable   [nQual]float64
)

func init() {
	for i := range logProbErrorTable {
		logProbErrorTable[i] = float64(i) * (-0.1 * math.Ln10)
	}
	for i := range logProbCorrectTable {
		q := i
		if q < minQual {
			q = minQual
		}
		logProbCorrectTable[i] = math.Log(1.0 - math.Exp(float64(q)*(-0.1*math.Ln10)))
	}
}

func clamp(q byte) byte {
	if q >= nQual {
		return nQual - 1
	}
	return q
}

// LogProbError returns the natural log of the probability that a base
// call with the given quality is wrong.
func LogProbError(q byte) float64 {
	return logProbErrorTable[clamp(q)]
}

// LogProbCorrect returns the natural log of the probability that a base
// call with the given quality is right.
func LogProbCorrect(q byte) float64 {
	return logProbCorrectTable[clamp(q)]
}

// SumLogProbCorrect returns the sum of LogProbCorrect over every base of
// a read. Reads whose bases are more likely to all be correct score
// higher (closer to zero); duplicate collapsing uses this to rank the
// members of a duplicate set.
func SumLogProbCorrect(qual []byte) float64 {
	sum := 0.0
	for _, q := range qual {
		sum += logProbCorrectTable[clamp(q)]
	}
	return sum
}

// MeanQual returns the mean raw phred value of qual, or 0 for an empty
// slice.
func MeanQual(qual []byte) byte {
	if len(qual) == 0 {
		return 0
	}
	return byte(simd.Accumulate8(qual) / len(qual))
}
