// Package stutter models PCR stutter artifacts at STR loci.
//
// PCR amplification of a tandem repeat occasionally slips, so a read's
// apparent repeat length differs from its template's. A Model captures
// the artifact length distribution for one locus: with probability
// 1 - (InUp + InDown + OutUp + OutDown) the observed length matches the
// template, otherwise it moves up or down by a geometrically distributed
// number of steps, whole repeat units for in-frame artifacts or single
// bases for out-of-frame artifacts.
package stutter

import (
	"fmt"
	"math"
)

// Model is the stutter artifact distribution for one locus. Parameters
// are linear-space probabilities; LogStutterProb converts on demand. A
// Model is owned by whichever stage produced it (EM training, or a cache
// clone) and is never shared across loci.
type Model struct {
	Period int

	// In-frame artifacts change the length by whole repeat units. InUp
	// and InDown are the probabilities of slipping at least one unit up
	// or down; InGeom is the success parameter of the geometric
	// distribution over the unit count.
	InGeom float64
	InUp   float64
	InDown float64

	// Out-of-frame artifacts change the length by single bases.
	OutGeom float64
	OutUp   float64
	OutDown float64
}

// NewDefault returns the starting model for EM training: modest in-frame
// stutter and rare out-of-frame stutter.
func NewDefault(period int) *Model {
	return &Model{
		Period:  period,
		InGeom:  0.9,
		InUp:    0.05,
		InDown:  0.05,
		OutGeom: 0.9,
		OutUp:   0.01,
		OutDown: 0.01,
	}
}

// Valid returns a descriptive error if the parameters do not define a
// proper probability distribution.
func (m *Model) Valid() error {
	if m.Period <= 0 {
		return fmt.Errorf("stutter: period %d is not positive", m.Period)
	}
	if m.InGeom <= 0 || m.InGeom > 1 || m.OutGeom <= 0 || m.OutGeom > 1 {
		return fmt.Errorf("stutter: geometric parameters (%g, %g) out of (0, 1]", m.InGeom, m.OutGeom)
	}
	for _, p := range []float64{m.InUp, m.InDown, m.OutUp, m.OutDown} {
		if p <= 0 || p >= 1 {
			return fmt.Errorf("stutter: stutter probability %g out of (0, 1)", p)
		}
	}
	if sum := m.InUp + m.InDown + m.OutUp + m.OutDown; sum >= 1 {
		return fmt.Errorf("stutter: stutter probabilities sum to %g >= 1", sum)
	}
	return nil
}

// LogStutterProb returns the natural log probability of observing a
// length artifact of delta bp relative to the template length.
func (m *Model) LogStutterProb(delta int) float64 {
	if delta == 0 {
		return math.Log(1.0 - m.InUp - m.InDown - m.OutUp - m.OutDown)
	}
	if delta%m.Period == 0 {
		units := delta / m.Period
		if units > 0 {
			return math.Log(m.InUp) + math.Log(m.InGeom) + float64(units-1)*math.Log(1.0-m.InGeom)
		}
		return math.Log(m.InDown) + math.Log(m.InGeom) + float64(-units-1)*math.Log(1.0-m.InGeom)
	}
	if delta > 0 {
		return math.Log(m.OutUp) + math.Log(m.OutGeom) + float64(delta-1)*math.Log(1.0-m.OutGeom)
	}
	return math.Log(m.OutDown) + math.Log(m.OutGeom) + float64(-delta-1)*math.Log(1.0-m.OutGeom)
}

// Clone returns an independently owned copy of m.
func (m *Model) Clone() *Model {
	c := *m
	return &c
}

func (m *Model) String() string {
	return fmt.Sprintf("IGEOM=%g IDOWN=%g IUP=%g OGEOM=%g ODOWN=%g OUP=%g",
		m.InGeom, m.InDown, m.InUp, m.OutGeom, m.OutDown, m.OutUp)
}
