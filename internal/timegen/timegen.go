// Package timegen mints instant times for the timeline.
package timegen

import (
	"context"
	"sync"
	"time"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/pathutil"
)

// Layout is the instant time format: yyyyMMddHHmmssSSS.
const Layout = "20060102150405.000"

const secondsLayout = "20060102150405"

// Locker serializes time generation across writers.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Options configures a Generator.
type Options struct {
	// MaxClockSkew is waited out after reading the clock so that a time handed
	// out under the lock cannot be overtaken by a writer with a lagging clock.
	MaxClockSkew time.Duration
	Location     *time.Location
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
	// OnLockWait observes how long lock acquisition took.
	OnLockWait func(time.Duration)
}

// Generator hands out instant times. Times from one Generator strictly
// increase; across generators they are distinct only when they share a lock.
type Generator struct {
	locker Locker
	opts   Options

	mu   sync.Mutex
	last time.Time
}

// New returns a generator. A nil locker makes locked requests behave like
// unlocked ones.
func New(locker Locker, opts Options) *Generator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{locker: locker, opts: opts}
}

// ConsumeTime mints a time and passes it to fn. With shouldLock the lock is
// held from before the clock read until fn returns, so the write fn performs
// is ordered with the time it was given.
func (g *Generator) ConsumeTime(ctx context.Context, shouldLock bool, fn func(ts string) error) (err error) {
	if shouldLock && g.locker != nil {
		start := time.Now()
		if err := g.locker.Lock(ctx); err != nil {
			return err
		}
		if g.opts.OnLockWait != nil {
			g.opts.OnLockWait(time.Since(start))
		}
		defer func() {
			if uerr := g.locker.Unlock(context.WithoutCancel(ctx)); uerr != nil {
				logging.Warn("release time generator lock", logging.Fields{"error": uerr.Error()})
				if err == nil {
					err = uerr
				}
			}
		}()
	}

	ts := g.next()
	if g.opts.MaxClockSkew > 0 {
		timer := time.NewTimer(g.opts.MaxClockSkew)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fn(FormatInstantTime(ts, g.opts.Location))
}

// NewInstantTime mints a time without performing a write under it.
func (g *Generator) NewInstantTime(ctx context.Context, shouldLock bool) (string, error) {
	var out string
	err := g.ConsumeTime(ctx, shouldLock, func(ts string) error {
		out = ts
		return nil
	})
	return out, err
}

func (g *Generator) next() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.opts.Now().Truncate(time.Millisecond)
	if !now.After(g.last) {
		now = g.last.Add(time.Millisecond)
	}
	g.last = now
	return now
}

// FormatInstantTime renders t in loc as yyyyMMddHHmmssSSS.
func FormatInstantTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	s := t.In(loc).Format(Layout)
	// drop the '.' the layout needs to express milliseconds
	return s[:14] + s[15:]
}

// ParseInstantTime parses a 17-digit (millisecond) or 14-digit (second)
// instant time in loc.
func ParseInstantTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := pathutil.ValidateInstantTime(s); err != nil {
		return time.Time{}, err
	}
	switch len(s) {
	case 17:
		return time.ParseInLocation(Layout, s[:14]+"."+s[14:], loc)
	case 14:
		return time.ParseInLocation(secondsLayout, s, loc)
	}
	return time.Time{}, errclass.ErrValidation.WithMessagef("instant time must have 14 or 17 digits: %q", s)
}
