package authz

import "fmt"

// Policy maps each level to the strategy that decides for it.
type Policy struct {
	strategies map[Level]Strategy
}

// DefaultPolicy returns the built-in viewer, manager, and administrator
// strategies.
func DefaultPolicy() *Policy {
	return NewPolicy(viewerStrategy{}, managerStrategy{}, administratorStrategy{})
}

// NewPolicy builds a policy from strategies. A later strategy for the same
// level replaces an earlier one. Levels without a strategy are treated as
// unknown by Checker.
func NewPolicy(strategies ...Strategy) *Policy {
	p := &Policy{strategies: make(map[Level]Strategy, len(strategies))}
	for _, s := range strategies {
		p.strategies[s.Level()] = s
	}
	return p
}

// Strategy returns the strategy for level.
func (p *Policy) Strategy(level Level) (Strategy, error) {
	s, ok := p.strategies[level]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccessLevel, level)
	}
	return s, nil
}

// Checker validates level once and returns a checker bound to it. An
// unrecognized level fails here with ErrUnknownAccessLevel.
func (p *Policy) Checker(level string) (*Checker, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	s, err := p.Strategy(l)
	if err != nil {
		return nil, err
	}
	return &Checker{level: l, strategy: s}, nil
}

// LevelInfo describes one level for display.
type LevelInfo struct {
	Level          Level    `json:"level"`
	Label          string   `json:"label"`
	Description    string   `json:"description"`
	Rank           int      `json:"rank"`
	AllowedActions []Action `json:"allowed_actions"`
}

// Describe lists every level the policy knows, in ascending rank.
func (p *Policy) Describe() []LevelInfo {
	out := make([]LevelInfo, 0, len(p.strategies))
	for _, l := range Levels() {
		s, ok := p.strategies[l]
		if !ok {
			continue
		}
		out = append(out, LevelInfo{
			Level:          l,
			Label:          l.Label(),
			Description:    l.Description(),
			Rank:           l.Rank(),
			AllowedActions: s.AllowedActions(),
		})
	}
	return out
}

// Checker answers both kinds of authorization question for one validated
// level. It never mutates state.
type Checker struct {
	level    Level
	strategy Strategy
}

// Level returns the level the checker was built for.
func (c *Checker) Level() Level {
	return c.level
}

// CanPerform reports whether the level's strategy grants action.
func (c *Checker) CanPerform(action Action) bool {
	return c.strategy.CanPerform(action)
}

// MeetsMinimum reports whether the level ranks at or above required.
func (c *Checker) MeetsMinimum(required Level) bool {
	return MeetsMinimum(c.level, required)
}

// AllowedActions lists every action the level may perform.
func (c *Checker) AllowedActions() []Action {
	return c.strategy.AllowedActions()
}
