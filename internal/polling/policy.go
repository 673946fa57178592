// Package polling decides how often the client polls the backend and runs the poll loop.
package polling

import "time"

const (
	DefaultActiveInterval = 10 * time.Second
	DefaultIdleInterval   = 60 * time.Second
	DefaultIdleThreshold  = 30 * time.Second
)

// Conditions are the inputs of the polling policy.
type Conditions struct {
	Online        bool
	Visible       bool
	Focused       bool
	SinceActivity time.Duration
}

// Policy maps Conditions to a poll interval.
type Policy struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	IdleThreshold  time.Duration
}

// DefaultPolicy returns the default intervals.
func DefaultPolicy() Policy {
	return Policy{
		ActiveInterval: DefaultActiveInterval,
		IdleInterval:   DefaultIdleInterval,
		IdleThreshold:  DefaultIdleThreshold,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.ActiveInterval <= 0 {
		p.ActiveInterval = defaults.ActiveInterval
	}
	if p.IdleInterval <= 0 {
		p.IdleInterval = defaults.IdleInterval
	}
	if p.IdleThreshold <= 0 {
		p.IdleThreshold = defaults.IdleThreshold
	}
	return p
}

// Interval returns the poll interval for conditions. Zero means no polling.
func (p Policy) Interval(conditions Conditions) time.Duration {
	if !conditions.Online || !conditions.Visible || !conditions.Focused {
		return 0
	}
	p = p.normalized()
	if conditions.SinceActivity > p.IdleThreshold {
		return p.IdleInterval
	}
	return p.ActiveInterval
}
