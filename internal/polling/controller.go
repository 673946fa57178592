package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingPoll = errors.New("polling: poll function is required")

// PollFunc performs one background sync.
type PollFunc func(ctx context.Context) error

// ProbeFunc reports whether the backend has changes the client has not pulled yet.
type ProbeFunc func(ctx context.Context) (bool, error)

// Realtime is the push channel whose health suppresses polling.
type Realtime interface {
	IsHealthy() bool
	Restart()
}

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	Policy Policy
	Poll   PollFunc
	// Probe gates each poll when set. A failed probe does not block the poll.
	Probe    ProbeFunc
	Realtime Realtime
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Controller schedules polls from the current Conditions.
type Controller struct {
	policy   Policy
	poll     PollFunc
	probe    ProbeFunc
	realtime Realtime
	clock    func() time.Time
	logger   *zap.Logger
	changed  chan struct{}

	mu           sync.Mutex
	online       bool
	visible      bool
	focused      bool
	lastActivity time.Time
	immediate    bool
}

// NewController constructs a Controller for an online, visible and focused client.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Poll == nil {
		return nil, errMissingPoll
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		policy:       cfg.Policy.normalized(),
		poll:         cfg.Poll,
		probe:        cfg.Probe,
		realtime:     cfg.Realtime,
		clock:        clock,
		logger:       logger,
		changed:      make(chan struct{}, 1),
		online:       true,
		visible:      true,
		focused:      true,
		lastActivity: clock(),
	}, nil
}

// Conditions returns the current policy inputs.
func (c *Controller) Conditions() Conditions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conditionsLocked()
}

func (c *Controller) conditionsLocked() Conditions {
	return Conditions{
		Online:        c.online,
		Visible:       c.visible,
		Focused:       c.focused,
		SinceActivity: c.clock().Sub(c.lastActivity),
	}
}

// Interval returns the interval the current conditions call for.
func (c *Controller) Interval() time.Duration {
	return c.policy.Interval(c.Conditions())
}

// SetOnline updates network availability.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.notify()
}

// SetVisible updates visibility. Becoming visible schedules an immediate poll.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	if visible && !c.visible {
		c.immediate = true
	}
	c.visible = visible
	c.mu.Unlock()
	c.notify()
}

// SetFocused updates focus. Gaining focus schedules an immediate poll.
func (c *Controller) SetFocused(focused bool) {
	c.mu.Lock()
	if focused && !c.focused {
		c.immediate = true
	}
	c.focused = focused
	c.mu.Unlock()
	c.notify()
}

// RecordActivity marks user activity now.
func (c *Controller) RecordActivity() {
	c.mu.Lock()
	c.lastActivity = c.clock()
	c.mu.Unlock()
	c.notify()
}

// Tick runs one poll unless the realtime channel is healthy or the probe reports nothing
// new. It reports whether the poll ran.
func (c *Controller) Tick(ctx context.Context) (bool, error) {
	if c.realtime != nil {
		if c.realtime.IsHealthy() {
			return false, nil
		}
		c.realtime.Restart()
	}
	if c.probe != nil {
		hasUpdates, err := c.probe(ctx)
		if err != nil {
			c.logger.Debug("update probe failed", zap.Error(err))
		} else if !hasUpdates {
			return false, nil
		}
	}
	if err := c.poll(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Run polls on the schedule until ctx is done. A change of conditions only shortens a
// pending wait, so steady activity does not postpone the next poll.
func (c *Controller) Run(ctx context.Context) error {
	var nextPoll time.Time
	for {
		c.mu.Lock()
		now := c.clock()
		interval := c.policy.Interval(c.conditionsLocked())
		immediate := c.immediate && interval > 0
		if immediate {
			c.immediate = false
		}
		c.mu.Unlock()

		if immediate {
			c.runTick(ctx)
			nextPoll = time.Time{}
			continue
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if interval > 0 {
			if nextPoll.IsZero() || nextPoll.After(now.Add(interval)) {
				nextPoll = now.Add(interval)
			}
			timer = time.NewTimer(nextPoll.Sub(now))
			timeout = timer.C
		} else {
			nextPoll = time.Time{}
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-c.changed:
		case <-timeout:
			c.runTick(ctx)
			nextPoll = time.Time{}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Controller) runTick(ctx context.Context) {
	if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("background poll failed", zap.Error(err))
	}
}

func (c *Controller) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
