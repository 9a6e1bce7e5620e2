package viewport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/clock"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/push"
	"github.com/pbaille/chanscope/internal/search"
	"github.com/pbaille/chanscope/internal/window"
)

const (
	DefaultStep         = 24.0
	DefaultGutter       = 30.0
	DefaultSpan         = time.Hour
	DefaultTransition   = time.Second
	DefaultLiveInterval = time.Second

	// one year in ms
	maxSpan = int64(3.154e10)

	panScale  = 0.001
	zoomScale = 0.002
)

// ErrUnknownPivot is returned when a switch names a pivot that is not cached
var ErrUnknownPivot = errors.New("pivot event not cached")

// Config configures a Controller; zero values get defaults
type Config struct {
	Height       float64
	Step         float64
	Gutter       float64
	Span         time.Duration // initial continuous span
	Transition   time.Duration
	LiveInterval time.Duration
	Mode         Mode // initial mode
	Clock        clock.Clock
	Logger       *zap.Logger
	Push         push.Subscriber // optional, enables live streaming in discrete mode
}

func (c Config) withDefaults() Config {
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.Gutter <= 0 {
		c.Gutter = DefaultGutter
	}
	if c.Span <= 0 {
		c.Span = DefaultSpan
	}
	if c.Transition <= 0 {
		c.Transition = DefaultTransition
	}
	if c.LiveInterval <= 0 {
		c.LiveInterval = DefaultLiveInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Controller owns the axis of one viewport over one window. Methods are safe
// for concurrent use; upstream fetches run without holding the state lock.
type Controller struct {
	win          *window.Window
	push         push.Subscriber
	clock        clock.Clock
	logger       *zap.Logger
	step         float64
	gutter       float64
	transition   time.Duration
	liveInterval time.Duration

	mu          sync.Mutex
	axis        Axis
	from        Axis
	startedAt   time.Time
	height      float64
	span        int64  // last continuous span, ms
	pivot       string // pivot of the last switch, cleared by any scroll
	live        bool
	lastSlide   time.Time
	sub         push.Subscription
	subscribing bool
	closed      bool
}

// New creates a controller over win. Call Start to load the initial data.
func New(win *window.Window, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		win:          win,
		push:         cfg.Push,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With(zap.String("scope", win.Scope())),
		step:         cfg.Step,
		gutter:       cfg.Gutter,
		transition:   cfg.Transition,
		liveInterval: cfg.LiveInterval,
		height:       cfg.Height,
		span:         cfg.Span.Milliseconds(),
		live:         true,
	}
	if cfg.Mode == ModeDiscrete {
		c.axis = Discrete{Step: c.step}
	} else {
		now := c.clock.Now().UnixMilli()
		c.axis = Continuous{Min: now - c.span, Max: now}
	}
	return c
}

// Start loads the data of the initial axis in live-follow
func (c *Controller) Start(ctx context.Context) error {
	return c.update(ctx, func(now time.Time) (effects, error) {
		c.live = true
		switch c.axis.(type) {
		case Discrete:
			return effects{fastForward: true}, nil
		default:
			dom := c.slideLocked(now)
			return effects{refresh: &dom}, nil
		}
	})
}

// Close ends live streaming
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	sub := c.takeSubLocked()
	c.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// State returns a snapshot of the axis
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Mode:       c.axis.Mode(),
		Axis:       c.axis,
		From:       c.from,
		Alpha:      1,
		LiveFollow: c.live,
		Height:     c.height,
	}
	if c.from != nil {
		s.Alpha = c.alphaLocked(c.clock.Now())
	}
	return s
}

// Mode returns the mode of the authoritative axis
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.axis.Mode()
}

// LiveFollow reports whether the viewport tracks the newest data
func (c *Controller) LiveFollow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Resize sets the viewport height in pixels
func (c *Controller) Resize(height float64) {
	c.mu.Lock()
	c.height = height
	c.mu.Unlock()
}

// Position returns the vertical pixel position of e. It is false for events
// the discrete axis cannot place because they are not cached.
func (c *Controller) Position(e domain.Event) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(e, c.clock.Now())
}

// VisibleEvents returns the cached events placed within the viewport, padded
// by one step on each side, newest first.
func (c *Controller) VisibleEvents() []domain.Event {
	events := c.win.Events()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	pad := c.step
	if d, ok := c.axis.(Discrete); ok {
		pad = d.Step
	}
	return search.FilterRange(events, c.negPosition(now), -(c.height + pad), pad)
}

// negPosition is non-decreasing over newest-first events in every mode
func (c *Controller) negPosition(now time.Time) func(domain.Event) float64 {
	return func(e domain.Event) float64 {
		y, ok := c.positionLocked(e, now)
		if !ok {
			return math.Inf(1)
		}
		return -y
	}
}

func (c *Controller) positionLocked(e domain.Event, now time.Time) (float64, bool) {
	to, ok := c.place(c.axis, e)
	if !ok || c.from == nil {
		return to, ok
	}
	from, ok := c.place(c.from, e)
	if !ok {
		return to, true
	}
	a := c.alphaLocked(now)
	return from + a*(to-from), true
}

func (c *Controller) place(ax Axis, e domain.Event) (float64, bool) {
	switch ax := ax.(type) {
	case Continuous:
		return c.height * float64(e.Timestamp-ax.Min) / float64(ax.Span()), true
	case Discrete:
		ord, ok := c.win.Ordinal(e.ID)
		if !ok {
			return 0, false
		}
		anchor, ok := c.anchorOrdinal(ax)
		if !ok {
			return 0, false
		}
		return c.height - ax.Step + ax.Offset - ax.Step*float64(ord-anchor), true
	}
	return 0, false
}

// anchorOrdinal falls back to the newest event while no anchor is set
func (c *Controller) anchorOrdinal(d Discrete) (int, bool) {
	if d.AnchorID != "" {
		return c.win.Ordinal(d.AnchorID)
	}
	newest, ok := c.win.Newest()
	if !ok {
		return 0, false
	}
	return c.win.Ordinal(newest.ID)
}

func (c *Controller) alphaLocked(now time.Time) float64 {
	return Ease(float64(now.Sub(c.startedAt)) / float64(c.transition))
}

// nearestCenterLocked finds the event placed closest to the vertical center
func (c *Controller) nearestCenterLocked(now time.Time) (domain.Event, bool) {
	events := c.win.Events()
	if len(events) == 0 {
		return domain.Event{}, false
	}
	center := c.height / 2
	y := func(e domain.Event) float64 {
		p, _ := c.positionLocked(e, now)
		return p
	}
	// first event placed above the center
	i := search.FirstPositive(events, func(e domain.Event) float64 { return center - y(e) })
	switch i {
	case -1:
		return events[len(events)-1], true
	case 0:
		return events[0], true
	}
	below, above := events[i-1], events[i]
	if y(below)-center <= center-y(above) {
		return below, true
	}
	return above, true
}

func (c *Controller) continuousLocked(op string) Continuous {
	ax, ok := c.axis.(Continuous)
	if !ok {
		panic(&ModeError{Op: op, Want: ModeContinuous, Got: c.axis.Mode()})
	}
	return ax
}

func (c *Controller) discreteLocked(op string) Discrete {
	ax, ok := c.axis.(Discrete)
	if !ok {
		panic(&ModeError{Op: op, Want: ModeDiscrete, Got: c.axis.Mode()})
	}
	return ax
}

func (c *Controller) setDomainLocked(dom Continuous) {
	c.axis = dom
	c.span = dom.Span()
}

// slideLocked moves the continuous domain to end at now
func (c *Controller) slideLocked(now time.Time) Continuous {
	nowMs := now.UnixMilli()
	dom := Continuous{Min: nowMs - c.span, Max: nowMs}
	if cur, ok := c.axis.(Continuous); ok {
		dom.Min = nowMs - cur.Span()
	}
	c.setDomainLocked(dom)
	c.lastSlide = now
	return dom
}

func (c *Controller) takeSubLocked() push.Subscription {
	sub := c.sub
	c.sub = nil
	return sub
}
