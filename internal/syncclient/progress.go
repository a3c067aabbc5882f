package syncclient

import (
	"sync"
	"time"
)

// Phase names a step of a sync cycle.
type Phase string

const (
	PhaseProbe Phase = "probe"
	PhasePush  Phase = "push"
	PhasePull  Phase = "pull"
	PhaseDone  Phase = "done"
	PhaseError Phase = "error"
)

// Progress is an observational snapshot of a running cycle. Estimated, ETA
// and Fraction are zero until at least one cycle has completed.
type Progress struct {
	Phase     Phase
	Trigger   Trigger
	Elapsed   time.Duration
	Estimated time.Duration
	ETA       time.Duration
	Fraction  float64
	Pushed    int
	Pulled    int
	Pages     int
}

// estimateWindow is how many recent cycle durations feed the estimate.
const estimateWindow = 5

// maxRunningFraction keeps an over-running cycle from reporting completion.
const maxRunningFraction = 0.99

// estimator keeps a moving average of recent successful cycle durations.
type estimator struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (e *estimator) record(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, d)
	if len(e.samples) > estimateWindow {
		e.samples = e.samples[len(e.samples)-estimateWindow:]
	}
}

func (e *estimator) estimate() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) == 0 {
		return 0
	}

	var total time.Duration
	for _, s := range e.samples {
		total += s
	}

	return total / time.Duration(len(e.samples))
}

// fill derives ETA and fraction from elapsed and the estimate.
func (p Progress) fill(estimate time.Duration) Progress {
	p.Estimated = estimate

	switch {
	case p.Phase == PhaseDone:
		p.ETA = 0
		p.Fraction = 1
	case estimate <= 0:
		p.ETA = 0
		p.Fraction = 0
	default:
		p.ETA = max(estimate-p.Elapsed, 0)
		p.Fraction = min(float64(p.Elapsed)/float64(estimate), maxRunningFraction)
	}

	return p
}
