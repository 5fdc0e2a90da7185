package source

import (
	"math/rand"
	"sync"
	"time"
)

// syntheticInterval is the perturbation cadence of the synthetic source.
const syntheticInterval = 10 * time.Millisecond

// SyntheticSource is a stand-in orientation source for demos and tests: it
// perturbs the accumulated position by a uniform value in [-0.05, 0.05]
// radians every 10 ms. It never fails.
type SyntheticSource struct {
	pos      atomicFloat64
	rng      *rand.Rand
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSyntheticSource starts a synthetic source.
func NewSyntheticSource() *SyntheticSource {
	s := &SyntheticSource{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SyntheticSource) Position() float64 { return s.pos.Load() }
func (s *SyntheticSource) Name() string      { return "synthetic" }
func (s *SyntheticSource) Err() error        { return nil }

// Close is idempotent.
func (s *SyntheticSource) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *SyntheticSource) run() {
	defer close(s.done)
	ticker := time.NewTicker(syntheticInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pos.Add(0.1*s.rng.Float64() - 0.05)
		}
	}
}
