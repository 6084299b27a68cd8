package basequal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogProbError(t *testing.T) {
	assert.Equal(t, 0.0, LogProbError(0))
	assert.InEpsilon(t, -math.Ln10, LogProbError(10), 1e-12)
	assert.InEpsilon(t, -2*math.Ln10, LogProbError(20), 1e-12)
	// Out-of-range quals clamp to the table edge.
	assert.Equal(t, LogProbError(nQual-1), LogProbError(200))
}

func TestLogProbCorrect(t *testing.T) {
	// q=20 -> P(error)=0.01 -> log(0.99)
	assert.InEpsilon(t, math.Log(0.99), LogProbCorrect(20), 1e-12)
	// q=0 floors to q=1 rather than producing -Inf.
	assert.False(t, math.IsInf(LogProbCorrect(0), -1))
	assert.Equal(t, LogProbCorrect(minQual), LogProbCorrect(0))
	// Higher quality means a higher (less negative) log probability.
	for q := byte(2); q < nQual; q++ {
		assert.True(t, LogProbCorrect(q) > LogProbCorrect(q-1), "q=%d", q)
	}
}

func TestSumLogProbCorrect(t *testing.T) {
	assert.Equal(t, 0.0, SumLogProbCorrect(nil))

	q20 := LogProbCorrect(20)
	q30 := LogProbCorrect(30)
	assert.InEpsilon(t, 2*q20+q30, SumLogProbCorrect([]byte{20, 30, 20}), 1e-12)

	// A uniformly higher-quality read outscores a lower-quality one.
	hi := SumLogProbCorrect([]byte{40, 40, 40, 40})
	lo := SumLogProbCorrect([]byte{20, 20, 20, 20})
	assert.True(t, hi > lo)
}

func TestMeanQual(t *testing.T) {
	assert.Equal(t, byte(0), MeanQual(nil))
	assert.Equal(t, byte(30), MeanQual([]byte{30, 30, 30}))
	assert.Equal(t, byte(25), MeanQual([]byte{20, 30}))
}
