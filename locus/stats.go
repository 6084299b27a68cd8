package locus

import (
	"fmt"
	"sync"
	"time"
)

// Stats accumulates outcome counters and cumulative stage timings
// across loci. The add methods are safe for concurrent use by locus
// workers; read the fields only after processing has finished, or via
// Snapshot.
type Stats struct {
	mu sync.Mutex

	// EMConverge and EMFail count stutter-model training outcomes.
	EMConverge int64
	EMFail     int64
	// GenotypeSuccess and GenotypeFail count genotyping outcomes.
	GenotypeSuccess int64
	GenotypeFail    int64

	// StutterTime and GenotypeTime are cumulative across loci.
	StutterTime  time.Duration
	GenotypeTime time.Duration
}

func (s *Stats) addEMOutcome(converged bool) {
	s.mu.Lock()
	if converged {
		s.EMConverge++
	} else {
		s.EMFail++
	}
	s.mu.Unlock()
}

func (s *Stats) addGenotypeOutcome(ok bool) {
	s.mu.Lock()
	if ok {
		s.GenotypeSuccess++
	} else {
		s.GenotypeFail++
	}
	s.mu.Unlock()
}

func (s *Stats) addStutterTime(elapsed time.Duration) {
	s.mu.Lock()
	s.StutterTime += elapsed
	s.mu.Unlock()
}

func (s *Stats) addGenotypeTime(elapsed time.Duration) {
	s.mu.Lock()
	s.GenotypeTime += elapsed
	s.mu.Unlock()
}

// Merge folds o's counters into s.
func (s *Stats) Merge(o *Stats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EMConverge += o.EMConverge
	s.EMFail += o.EMFail
	s.GenotypeSuccess += o.GenotypeSuccess
	s.GenotypeFail += o.GenotypeFail
	s.StutterTime += o.StutterTime
	s.GenotypeTime += o.GenotypeTime
}

// Snapshot returns a copy of the counters without the lock.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		EMConverge:      s.EMConverge,
		EMFail:          s.EMFail,
		GenotypeSuccess: s.GenotypeSuccess,
		GenotypeFail:    s.GenotypeFail,
		StutterTime:     s.StutterTime,
		GenotypeTime:    s.GenotypeTime,
	}
}

func (s *Stats) String() string {
	c := s.Snapshot()
	return fmt.Sprintf("EM converged: %d, EM failed: %d, genotyped: %d, genotyping failed: %d, stutter estimation: %v, genotyping: %v",
		c.EMConverge, c.EMFail, c.GenotypeSuccess, c.GenotypeFail, c.StutterTime, c.GenotypeTime)
}
