package core

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// advance moves the actual speed toward the goal by at most maxAccel*dt and
// reports whether it changed. A step never overshoots the goal.
func (d *DeviceState) advance(dt time.Duration, maxAccel float64) bool {
	prev := d.actualSpeed
	goal := d.goal()
	step := maxAccel * dt.Seconds()

	next := prev
	switch {
	case prev < goal:
		next = math.Min(prev+step, goal)
	case prev > goal:
		next = math.Max(prev-step, goal)
	}
	d.actualSpeed = math.Max(0, math.Min(next, d.maxSpeed))

	return d.actualSpeed != prev
}

type roster interface {
	devices() []*device
}

// Clock advances every registered device on a fixed interval.
type Clock struct {
	interval time.Duration
	maxAccel float64
	roster   roster
	log      *slog.Logger
	ticks    atomic.Uint64
}

func newClock(interval time.Duration, maxAccel float64, r roster, log *slog.Logger) *Clock {
	return &Clock{
		interval: interval,
		maxAccel: maxAccel,
		roster:   r,
		log:      log,
	}
}

func (c *Clock) Interval() time.Duration { return c.interval }

// Ticks returns how many steps the clock has applied.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }

// Advance applies one step of dt to every device. Each device is locked on
// its own, so a tick never holds more than one device lock at a time.
func (c *Clock) Advance(dt time.Duration) {
	now := time.Now()
	for _, d := range c.roster.devices() {
		d.tick(dt, c.maxAccel, now)
	}
	c.ticks.Add(1)
}

// Run ticks until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("simulation clock started", "interval", c.interval, "maxAcceleration", c.maxAccel)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("simulation clock stopped", "ticks", c.Ticks())
			return
		case <-ticker.C:
			c.Advance(c.interval)
		}
	}
}
