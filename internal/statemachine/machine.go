// Package statemachine drives the per-symbol IGNORE → WATCH → ACT
// lifecycle, computes the higher-timeframe permission gate and runs the
// lower-timeframe execution confirmation.
//
// Nothing here locks. Callers own the StateSnapshot and must hold the
// symbol's lock for the duration of every call.
package statemachine

import (
	"fmt"
	"time"

	"flowscanner/internal/model"
	"flowscanner/internal/pattern"
)

// Policy configures transitions. Pattern sets are resolved from
// configuration names at load time.
type Policy struct {
	WatchEligible model.PatternSet
	ActEligible   model.PatternSet
	Disqualifying model.PatternSet
	MaxAct        time.Duration
	MaxWatch      time.Duration
	Initial       model.State
}

// DefaultPolicy watches every pattern, acts on the four continuation and
// reversal setups and lets a failed breakout knock ACT back to WATCH.
func DefaultPolicy() Policy {
	return Policy{
		WatchEligible: model.PatternSet{model.VWAPReclaim, model.Ignition, model.Pullback, model.Trap, model.FailedBreakout},
		ActEligible:   model.PatternSet{model.VWAPReclaim, model.Ignition, model.Pullback, model.Trap},
		Disqualifying: model.PatternSet{model.FailedBreakout},
		MaxAct:        30 * time.Minute,
		MaxWatch:      60 * time.Minute,
		Initial:       model.StateWatch,
	}
}

// Transition records one state change.
type Transition struct {
	Symbol string
	From   model.State
	To     model.State
	AtMs   int64
	Reason string
}

func (t Transition) String() string {
	return fmt.Sprintf("%s %s -> %s: %s", t.Symbol, t.From, t.To, t.Reason)
}

// Machine applies a Policy.
type Machine struct {
	p Policy
}

// New returns a Machine for p.
func New(p Policy) *Machine { return &Machine{p: p} }

// Policy returns the active policy.
func (m *Machine) Policy() Policy { return m.p }

// Evaluate runs one pass for the primary bar that opened at barMs. hits
// are the patterns that fired on that bar and passed the score floor.
//
// Order: ACT demotions, WATCH expiry (skipped when a watch-eligible
// pattern fired this bar), IGNORE → WATCH, WATCH → ACT. A symbol may climb
// from IGNORE to ACT in one pass.
func (m *Machine) Evaluate(s *model.StateSnapshot, barMs int64, hits []pattern.Hit) []Transition {
	var out []Transition
	if s.EnteredAtMs == 0 {
		s.EnteredAtMs = barMs
	}
	move := func(to model.State, reason string) {
		t := Transition{Symbol: s.Symbol, From: s.State, To: to, AtMs: barMs, Reason: reason}
		s.State = to
		s.EnteredAtMs = barMs
		s.AddReason(fmt.Sprintf("%s -> %s: %s", t.From, t.To, reason))
		out = append(out, t)
	}

	watchHit, watchOK := m.first(hits, m.p.WatchEligible)
	for _, h := range hits {
		if m.p.WatchEligible.Has(h.Pattern) {
			s.AddActive(h.Pattern)
		}
	}

	if s.State == model.StateAct {
		if reason := m.demotion(s, barMs, hits); reason != "" {
			if s.WatchReason == "" {
				s.WatchReason = s.ActReason
			}
			s.ActReason, s.ActDirection = "", model.DirNone
			move(model.StateWatch, reason)
		}
	}

	if s.State == model.StateWatch && !watchOK && m.expired(s, barMs, m.p.MaxWatch) {
		s.WatchReason = ""
		s.ActivePatterns = nil
		move(model.StateIgnore, fmt.Sprintf("watch expired after %s", m.p.MaxWatch))
	}

	if s.State == model.StateIgnore && watchOK {
		s.WatchReason = watchHit.Pattern
		move(model.StateWatch, fmt.Sprintf("%s detected", watchHit.Pattern))
	}

	if s.State == model.StateWatch {
		m.promote(s, hits, move)
	}

	s.LastUpdatedMs = barMs
	return out
}

// promote tries the act-eligible hits in detection order. A hit without a
// direction is skipped; a bias conflict aborts the promotion for this bar.
func (m *Machine) promote(s *model.StateSnapshot, hits []pattern.Hit, move func(model.State, string)) {
	var candidates []pattern.Hit
	for _, h := range hits {
		if m.p.ActEligible.Has(h.Pattern) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return
	}

	perm := s.Permission
	if perm == nil || !perm.Allowed {
		s.AddReason(fmt.Sprintf("Blocked ACT promotion: %s (%s)", permissionReason(perm), candidates[0].Pattern))
		return
	}

	for _, h := range candidates {
		if h.Direction == model.DirNone {
			s.AddReason(fmt.Sprintf("Blocked ACT promotion: no direction for %s", h.Pattern))
			continue
		}
		if perm.Bias.Conflicts(h.Direction) {
			s.AddReason(fmt.Sprintf("Blocked ACT promotion: Bias Conflict (%s vs %s) for %s", perm.Bias, h.Direction, h.Pattern))
			return
		}
		s.ActReason = h.Pattern
		s.ActDirection = h.Direction
		move(model.StateAct, fmt.Sprintf("%s %s", h.Pattern, h.Direction))
		return
	}
}

// demotion returns why an ACT symbol must drop to WATCH, or "".
func (m *Machine) demotion(s *model.StateSnapshot, barMs int64, hits []pattern.Hit) string {
	if m.expired(s, barMs, m.p.MaxAct) {
		return fmt.Sprintf("act expired after %s", m.p.MaxAct)
	}
	perm := s.Permission
	if perm == nil || !perm.Allowed {
		return "permission revoked: " + permissionReason(perm)
	}
	if perm.Bias.Conflicts(s.ActDirection) {
		return fmt.Sprintf("bias %s conflicts with %s", perm.Bias, s.ActDirection)
	}
	if h, ok := m.first(hits, m.p.Disqualifying); ok {
		return fmt.Sprintf("%s disqualifies", h.Pattern)
	}
	return ""
}

func (m *Machine) expired(s *model.StateSnapshot, barMs int64, limit time.Duration) bool {
	return limit > 0 && barMs-s.EnteredAtMs > limit.Milliseconds()
}

func (m *Machine) first(hits []pattern.Hit, set model.PatternSet) (pattern.Hit, bool) {
	for _, h := range hits {
		if set.Has(h.Pattern) {
			return h, true
		}
	}
	return pattern.Hit{}, false
}

func permissionReason(p *model.PermissionSnapshot) string {
	switch {
	case p == nil:
		return ReasonPermissionUnavailable
	case len(p.Reasons) > 0:
		return p.Reasons[0]
	}
	return "not allowed"
}
