// Package backoff computes capped exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule: Initial×Factor^attempt capped at Max,
// then spread by ±Jitter (a fraction of the delay).
type Policy struct {
	Initial time.Duration `yaml:"initial" default:"1s"`
	Max     time.Duration `yaml:"max" default:"30s"`
	Factor  float64       `yaml:"factor" default:"2"`
	Jitter  float64       `yaml:"jitter" default:"0.2" validate:"gte=0,lte=1"`

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64 `yaml:"-"`
}

// Default is the feed reconnect schedule.
func Default() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Next returns the delay before retry number attempt (0-based).
func (p Policy) Next(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(initial) * math.Pow(factor, float64(max(attempt, 0)))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += d * p.Jitter * (2*r() - 1)
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}
