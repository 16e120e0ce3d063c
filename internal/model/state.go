package model

import "fmt"

// State is the per-symbol lifecycle stage.
type State string

const (
	StateIgnore State = "IGNORE"
	StateWatch  State = "WATCH"
	StateAct    State = "ACT"
)

// ParseState resolves a configured initial state.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateIgnore, StateWatch, StateAct:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// PermissionSnapshot is the higher-timeframe gate attached to a symbol.
type PermissionSnapshot struct {
	Bias         Bias             `json:"bias"`
	Volatility   VolatilityRegime `json:"volatility_regime"`
	Allowed      bool             `json:"allowed"`
	Reasons      []string         `json:"reasons"`
	ComputedAtMs int64            `json:"computed_at"`
}

// StateSnapshot is the mutable per-symbol aggregate owned by the state machine.
// Only mutate it under the symbol's lock; hand out Clone copies.
type StateSnapshot struct {
	Symbol         string              `json:"symbol"`
	State          State               `json:"state"`
	EnteredAtMs    int64               `json:"entered_at"`
	LastUpdatedMs  int64               `json:"last_updated_at"`
	WatchReason    PatternType         `json:"watch_reason,omitempty"`
	ActReason      PatternType         `json:"act_reason,omitempty"`
	ActDirection   Direction           `json:"act_direction,omitempty"`
	ActivePatterns PatternSet          `json:"active_patterns"`
	Reasons        []string            `json:"reasons"`
	Permission     *PermissionSnapshot `json:"permission,omitempty"`
}

// NewStateSnapshot returns the snapshot a symbol starts with.
func NewStateSnapshot(symbol string, initial State) *StateSnapshot {
	return &StateSnapshot{Symbol: symbol, State: initial}
}

// AddActive appends p to ActivePatterns if not present.
func (s *StateSnapshot) AddActive(p PatternType) {
	if !s.ActivePatterns.Has(p) {
		s.ActivePatterns = append(s.ActivePatterns, p)
	}
}

// Clone returns a deep copy safe to read without the symbol lock.
func (s *StateSnapshot) Clone() StateSnapshot {
	out := *s
	out.ActivePatterns = append(PatternSet(nil), s.ActivePatterns...)
	out.Reasons = append([]string(nil), s.Reasons...)
	if s.Permission != nil {
		p := *s.Permission
		p.Reasons = append([]string(nil), s.Permission.Reasons...)
		out.Permission = &p
	}
	return out
}

// MaxReasons bounds the reasons log kept on a snapshot.
const MaxReasons = 200

// AddReason appends a line to the reasons log, dropping the oldest line
// once MaxReasons is reached.
func (s *StateSnapshot) AddReason(msg string) {
	if len(s.Reasons) >= MaxReasons {
		s.Reasons = append(s.Reasons[:0], s.Reasons[len(s.Reasons)-MaxReasons+1:]...)
	}
	s.Reasons = append(s.Reasons, msg)
}
