package viewport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/push"
)

// Command is an input accepted by Dispatch
type Command interface {
	command()
}

// Scroll is a wheel event at pointer (X, Y)
type Scroll struct {
	X, Y   float64
	DeltaY float64
}

// ZoomAt rescales the continuous domain around the time under pointer Y
type ZoomAt struct {
	Y      float64
	DeltaY float64
}

// SwitchMode animates to another axis mode. PivotID optionally names the
// event that keeps its place across the switch.
type SwitchMode struct {
	To      Mode
	PivotID string
}

func (Scroll) command()     {}
func (ZoomAt) command()     {}
func (SwitchMode) command() {}

// Dispatch applies cmd. Mode-specific commands panic with *ModeError when
// the axis is in the other mode.
func (c *Controller) Dispatch(ctx context.Context, cmd Command) error {
	switch cmd := cmd.(type) {
	case Scroll:
		return c.Scroll(ctx, cmd.X, cmd.Y, cmd.DeltaY)
	case ZoomAt:
		return c.ZoomAt(ctx, cmd.Y, cmd.DeltaY)
	case SwitchMode:
		return c.Switch(ctx, cmd.To, cmd.PivotID)
	default:
		return fmt.Errorf("viewport: unknown command %T", cmd)
	}
}

// effects are the upstream calls a state change asks for. They run after
// the state lock is released.
type effects struct {
	refresh     *Continuous
	expand      bool
	fastForward bool
	unsubscribe push.Subscription
}

func (c *Controller) update(ctx context.Context, fn func(now time.Time) (effects, error)) error {
	eff, err := func() (effects, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return fn(c.clock.Now())
	}()
	if err != nil {
		return err
	}
	return c.run(ctx, eff)
}

func (c *Controller) run(ctx context.Context, eff effects) error {
	if eff.unsubscribe != nil {
		if err := eff.unsubscribe.Close(); err != nil {
			c.logger.Warn("closing live subscription failed", zap.Error(err))
		}
	}
	if eff.refresh != nil {
		if _, err := c.win.FilterByTime(ctx, eff.refresh.Min, eff.refresh.Max); err != nil {
			return fmt.Errorf("refresh domain: %w", err)
		}
	}
	if eff.expand {
		if _, err := c.win.ExpandBackward(ctx); err != nil {
			return fmt.Errorf("expand on scroll: %w", err)
		}
	}
	if eff.fastForward {
		return c.catchUp(ctx)
	}
	return nil
}

// Scroll routes a wheel event: over the gutter in continuous mode it zooms,
// elsewhere it pans the current axis.
func (c *Controller) Scroll(ctx context.Context, x, y, deltaY float64) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		if _, ok := c.axis.(Continuous); ok {
			if x < c.gutter {
				return c.zoomLocked(now, y, deltaY), nil
			}
			return c.panTimeLocked(now, deltaY), nil
		}
		return c.panOffsetLocked(now, deltaY), nil
	})
}

// PanTime moves the continuous domain by deltaY thousandths of its span
func (c *Controller) PanTime(ctx context.Context, deltaY float64) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		return c.panTimeLocked(now, deltaY), nil
	})
}

// PanOffset moves the discrete axis by deltaY pixels
func (c *Controller) PanOffset(ctx context.Context, deltaY float64) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		return c.panOffsetLocked(now, deltaY), nil
	})
}

// ZoomAt rescales the continuous domain around the time under pixel y
func (c *Controller) ZoomAt(ctx context.Context, y, deltaY float64) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		return c.zoomLocked(now, y, deltaY), nil
	})
}

func (c *Controller) panTimeLocked(now time.Time, deltaY float64) effects {
	cur := c.continuousLocked("PanTime")
	c.pivot = ""
	span := cur.Span()
	newMax := cur.Max + int64(deltaY*float64(span)*panScale)

	if newMax >= now.UnixMilli() {
		c.live = true
		dom := c.slideLocked(now)
		return effects{refresh: &dom}
	}
	c.live = false
	dom := Continuous{Min: newMax - span, Max: newMax}
	c.setDomainLocked(dom)
	return effects{refresh: &dom}
}

func (c *Controller) zoomLocked(now time.Time, y, deltaY float64) effects {
	cur := c.continuousLocked("ZoomAt")
	c.pivot = ""
	span := cur.Span()
	newSpan := int64(math.Min(float64(span)*math.Exp(deltaY*zoomScale), float64(maxSpan)))
	newSpan = max(newSpan, 1)

	origin := cur.Center()
	if c.height > 0 {
		origin = cur.Min + int64(y/c.height*float64(span))
	}
	newMax := origin + int64(float64(cur.Max-origin)*float64(newSpan)/float64(span))
	newMax = min(newMax, now.UnixMilli())

	dom := Continuous{Min: newMax - newSpan, Max: newMax}
	c.setDomainLocked(dom)
	return effects{refresh: &dom}
}

func (c *Controller) panOffsetLocked(now time.Time, deltaY float64) effects {
	d := c.discreteLocked("PanOffset")
	c.pivot = ""
	var eff effects

	if offset := d.Offset - deltaY; offset <= 0 {
		d.Offset = 0
		if !c.live {
			c.live = true
			eff.fastForward = true
		}
	} else {
		d.Offset = offset
		if c.live {
			c.live = false
			eff.unsubscribe = c.takeSubLocked()
		}
	}
	c.axis = d

	if oldest, ok := c.win.Oldest(); ok && !c.win.ReachedBeginning() {
		if y, ok := c.positionLocked(oldest, now); ok && y > 0 {
			eff.expand = true
		}
	}
	return eff
}

// Switch animates to mode to. A request for the current mode is a no-op.
// Without an explicit pivot, the pivot of the previous switch is reused if
// nothing scrolled since, so a round trip restores the original view;
// otherwise the event nearest the vertical center is used.
func (c *Controller) Switch(ctx context.Context, to Mode, pivotID string) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		if c.axis.Mode() == to {
			return effects{}, nil
		}

		var (
			pivot    domain.Event
			hasPivot bool
		)
		switch {
		case pivotID != "":
			if pivot, hasPivot = c.win.Get(pivotID); !hasPivot {
				return effects{}, fmt.Errorf("switch to %s: %s: %w", to, pivotID, ErrUnknownPivot)
			}
		case c.pivot != "":
			pivot, hasPivot = c.win.Get(c.pivot)
		}
		if !hasPivot {
			pivot, hasPivot = c.nearestCenterLocked(now)
		}

		var eff effects
		switch to {
		case ModeDiscrete:
			c.toDiscreteLocked(now, pivot, hasPivot)
		case ModeContinuous:
			eff = c.toContinuousLocked(now, pivot, hasPivot)
		default:
			return effects{}, fmt.Errorf("switch: unknown mode %s", to)
		}
		if hasPivot {
			c.pivot = pivot.ID
		}

		c.logger.Info("switching mode",
			zap.Stringer("to", to),
			zap.String("pivot", c.pivot),
			zap.Bool("liveFollow", c.live),
		)
		return eff, nil
	})
}

// toDiscreteLocked anchors on the newest event with the offset that keeps
// the pivot at its current screen position
func (c *Controller) toDiscreteLocked(now time.Time, pivot domain.Event, hasPivot bool) {
	d := Discrete{Step: c.step}
	if newest, ok := c.win.Newest(); ok {
		d.AnchorID = newest.ID
	}
	if hasPivot {
		y, _ := c.positionLocked(pivot, now)
		ordP, okP := c.win.Ordinal(pivot.ID)
		ordA, okA := c.anchorOrdinal(d)
		if okP && okA {
			d.Offset = y - c.height + d.Step + d.Step*float64(ordP-ordA)
		}
	}
	c.live = false
	c.startTransitionLocked(d, now)
}

// toContinuousLocked centers the previous span on the pivot, clamped to now
func (c *Controller) toContinuousLocked(now time.Time, pivot domain.Event, hasPivot bool) effects {
	span := c.span
	nowMs := now.UnixMilli()
	center := nowMs
	if hasPivot {
		center = pivot.Timestamp
	}
	dom := Continuous{Max: center + span/2}
	dom.Min = dom.Max - span

	c.live = false
	if dom.Max >= nowMs {
		dom = Continuous{Min: nowMs - span, Max: nowMs}
		c.live = true
		c.lastSlide = now
	}
	c.startTransitionLocked(dom, now)
	return effects{refresh: &dom, unsubscribe: c.takeSubLocked()}
}

// startTransitionLocked blends from the current authoritative axis to
// target. A transition still running is cut short.
func (c *Controller) startTransitionLocked(target Axis, now time.Time) {
	c.from = c.axis
	if dom, ok := target.(Continuous); ok {
		c.setDomainLocked(dom)
	} else {
		c.axis = target
	}
	c.startedAt = now
}

// Tick advances the transition and, in continuous live-follow, slides the
// domain to now and refetches at most once per live interval.
func (c *Controller) Tick(ctx context.Context) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		if c.from != nil && now.Sub(c.startedAt) >= c.transition {
			c.from = nil
		}
		if _, ok := c.axis.(Continuous); !ok || !c.live {
			return effects{}, nil
		}
		if now.Sub(c.lastSlide) < c.liveInterval {
			return effects{}, nil
		}
		dom := c.slideLocked(now)
		return effects{refresh: &dom}, nil
	})
}

// catchUp opens the live subscription, fast-forwards the window and
// re-anchors on the newest event. Events pushed while the window catches up
// are held and applied afterwards, so none created in between is missed.
func (c *Controller) catchUp(ctx context.Context) error {
	c.mu.Lock()
	_, discrete := c.axis.(Discrete)
	need := discrete && c.live && c.push != nil && c.sub == nil && !c.subscribing && !c.closed
	c.subscribing = need
	c.mu.Unlock()

	var (
		sub  push.Subscription
		feed = &liveFeed{deliver: c.onPush}
	)
	if need {
		var err error
		sub, err = c.push.Subscribe(context.WithoutCancel(ctx), c.win.Scope(), feed.handle)
		if err != nil {
			c.mu.Lock()
			c.subscribing = false
			c.mu.Unlock()
			return fmt.Errorf("subscribe to live events: %w", err)
		}
	}

	if err := c.win.FastForward(ctx); err != nil {
		if sub != nil {
			c.mu.Lock()
			c.subscribing = false
			c.mu.Unlock()
			sub.Close()
		}
		return fmt.Errorf("fast forward: %w", err)
	}

	c.mu.Lock()
	d, ok := c.axis.(Discrete)
	following := ok && c.live && !c.closed
	if following {
		if newest, ok := c.win.Newest(); ok {
			d.AnchorID = newest.ID
			d.Offset = 0
			c.axis = d
		}
	}
	if sub == nil {
		c.mu.Unlock()
		return nil
	}
	c.subscribing = false
	if !following {
		c.mu.Unlock()
		return sub.Close()
	}
	c.sub = sub
	c.mu.Unlock()

	feed.release()
	go c.watch(sub)
	return nil
}

// watch leaves live-follow when sub ends without being closed by the
// controller. Scrolling back to the newest event subscribes again.
func (c *Controller) watch(sub push.Subscription) {
	<-sub.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub {
		return
	}
	c.sub = nil
	c.live = false
	c.logger.Warn("live subscription ended, leaving live-follow")
}

func (c *Controller) onPush(e domain.Event) {
	if _, cached := c.win.Ordinal(e.ID); cached {
		return
	}
	if !c.win.InsertLive(e) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.axis.(Discrete); ok && c.live {
		d.AnchorID = e.ID
		c.axis = d
	}
}

// liveFeed holds pushed events until release, then passes them through
type liveFeed struct {
	mu       sync.Mutex
	pending  []domain.Event
	released bool
	deliver  push.Handler
}

func (f *liveFeed) handle(e domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.released {
		f.pending = append(f.pending, e)
		return
	}
	f.deliver(e)
}

func (f *liveFeed) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.pending {
		f.deliver(e)
	}
	f.pending = nil
	f.released = true
}
