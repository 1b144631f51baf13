// Package governor enforces memory, CPU and wall-clock ceilings on a running
// sandboxed execution by polling its resource usage at a fixed interval.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Limit names the ceiling that was breached.
type Limit string

const (
	LimitMemory    Limit = "memory"
	LimitCPU       Limit = "cpu"
	LimitWallClock Limit = "wall_clock"
)

// Limits are the ceilings applied to one execution. Zero disables a ceiling,
// except MaxDuration which the runner always sets.
type Limits struct {
	MaxMemoryBytes int64
	MaxDuration    time.Duration
	MaxCPUPercent  float64
}

// Usage is a point-in-time sample. CPUTime is cumulative since launch.
type Usage struct {
	MemoryBytes int64
	CPUTime     time.Duration
}

// Sampler reads the current usage of a running execution.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// KillFunc forcibly terminates the watched execution.
type KillFunc func(ctx context.Context) error

// Violation describes the breached limit.
type Violation struct {
	Limit    Limit         `json:"limit"`
	Observed float64       `json:"observed"`
	Ceiling  float64       `json:"ceiling"`
	After    time.Duration `json:"after"`
}

func (v *Violation) String() string {
	switch v.Limit {
	case LimitMemory:
		return fmt.Sprintf("memory %.0f bytes exceeded ceiling %.0f bytes", v.Observed, v.Ceiling)
	case LimitCPU:
		return fmt.Sprintf("cpu %.1f%% exceeded ceiling %.1f%%", v.Observed, v.Ceiling)
	default:
		return fmt.Sprintf("wall clock exceeded %s", time.Duration(v.Ceiling))
	}
}

// Report summarises one watch.
type Report struct {
	Violation       *Violation
	PeakMemoryBytes int64
	PeakCPUPercent  float64
	Samples         int
	Elapsed         time.Duration
}

// Governor polls executions and kills the ones that breach their limits.
// A single Governor is safe to share across concurrent watches.
type Governor struct {
	interval time.Duration
	cpuGrace time.Duration
	killWait time.Duration
}

func New(interval, cpuGrace time.Duration) *Governor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if cpuGrace < interval {
		cpuGrace = interval
	}
	return &Governor{
		interval: interval,
		cpuGrace: cpuGrace,
		killWait: 5 * time.Second,
	}
}

// Interval returns the polling interval.
func (g *Governor) Interval() time.Duration { return g.interval }

// Watch polls s until ctx is cancelled (the execution exited on its own) or a
// limit is breached. On a breach kill is invoked exactly once before Watch
// returns. The wall-clock ceiling is armed as a timer, so it fires on time even
// if a sample blocks.
func (g *Governor) Watch(ctx context.Context, s Sampler, limits Limits, kill KillFunc) Report {
	start := time.Now()
	var rep Report

	var deadline <-chan time.Time
	if limits.MaxDuration > 0 {
		timer := time.NewTimer(limits.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	cpu := cpuTracker{grace: g.cpuGrace, ceiling: limits.MaxCPUPercent}

	for {
		select {
		case <-ctx.Done():
			rep.Elapsed = time.Since(start)
			return rep

		case <-deadline:
			rep.Violation = &Violation{
				Limit:    LimitWallClock,
				Observed: float64(time.Since(start)),
				Ceiling:  float64(limits.MaxDuration),
				After:    time.Since(start),
			}
			g.kill(kill)
			rep.Elapsed = time.Since(start)
			return rep

		case now := <-ticker.C:
			usage, err := s.Sample(ctx)
			if err != nil {
				// The process may be between exit and reap; the exit path cancels ctx.
				log.Debug().Err(err).Msg("governor sample failed")
				continue
			}
			rep.Samples++
			if usage.MemoryBytes > rep.PeakMemoryBytes {
				rep.PeakMemoryBytes = usage.MemoryBytes
			}

			if limits.MaxMemoryBytes > 0 && usage.MemoryBytes > limits.MaxMemoryBytes {
				rep.Violation = &Violation{
					Limit:    LimitMemory,
					Observed: float64(usage.MemoryBytes),
					Ceiling:  float64(limits.MaxMemoryBytes),
					After:    now.Sub(start),
				}
				g.kill(kill)
				rep.Elapsed = time.Since(start)
				return rep
			}

			pct, breached := cpu.observe(now, usage.CPUTime)
			if pct > rep.PeakCPUPercent {
				rep.PeakCPUPercent = pct
			}
			if breached {
				rep.Violation = &Violation{
					Limit:    LimitCPU,
					Observed: pct,
					Ceiling:  limits.MaxCPUPercent,
					After:    now.Sub(start),
				}
				g.kill(kill)
				rep.Elapsed = time.Since(start)
				return rep
			}
		}
	}
}

func (g *Governor) kill(kill KillFunc) {
	if kill == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.killWait)
	defer cancel()
	if err := kill(ctx); err != nil {
		log.Error().Err(err).Msg("governor kill failed")
	}
}

// cpuTracker turns cumulative CPU time into a utilisation percentage and
// reports a breach only once the ceiling has been exceeded for the whole grace
// window.
type cpuTracker struct {
	grace   time.Duration
	ceiling float64

	started   bool
	lastAt    time.Time
	lastCPU   time.Duration
	overSince time.Time
}

func (c *cpuTracker) observe(now time.Time, cpuTime time.Duration) (float64, bool) {
	if !c.started {
		c.started = true
		c.lastAt = now
		c.lastCPU = cpuTime
		return 0, false
	}

	wall := now.Sub(c.lastAt)
	if wall <= 0 {
		return 0, false
	}
	pct := float64(cpuTime-c.lastCPU) / float64(wall) * 100
	if pct < 0 {
		pct = 0
	}
	c.lastAt = now
	c.lastCPU = cpuTime

	if c.ceiling <= 0 || pct <= c.ceiling {
		c.overSince = time.Time{}
		return pct, false
	}
	if c.overSince.IsZero() {
		c.overSince = now
		return pct, false
	}
	return pct, now.Sub(c.overSince) >= c.grace
}
