package transition

import (
	"context"
	"time"

	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
	"github.com/milk9111/roomstream/prefabs"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFadingOut
	PhaseBlack
	PhaseFadingIn
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFadingOut:
		return "fading-out"
	case PhaseBlack:
		return "black"
	case PhaseFadingIn:
		return "fading-in"
	default:
		return "unknown"
	}
}

// MinReducedMotionHold keeps the black phase long enough under reduced
// motion for the swap callback to run before the fade-in starts.
const MinReducedMotionHold = 50 * time.Millisecond

type Config struct {
	Duration          time.Duration
	Hold              time.Duration
	ReducedMotionHold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Duration:          300 * time.Millisecond,
		Hold:              200 * time.Millisecond,
		ReducedMotionHold: MinReducedMotionHold,
	}
}

func ConfigFromSpec(s *prefabs.TransitionSpec) Config {
	if s == nil {
		return DefaultConfig()
	}
	return Config{Duration: s.Duration(), Hold: s.Hold(), ReducedMotionHold: s.ReducedMotionHold()}
}

// Request is the room change a transition carries to its callbacks.
type Request struct {
	Target levels.RoomID
	Spawn  common.Pose
}

// Flag is the shared "transitioning" bit. The coordinator raises it on Start
// and lowers it when the fade-in completes; if anything else lowers it
// mid-sequence the coordinator aborts.
type Flag interface {
	Transitioning() bool
	SetTransitioning(v bool)
}

type Option func(*Coordinator)

func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithFlag(f Flag) Option {
	return func(c *Coordinator) { c.flag = f }
}

// OnFadeOutComplete runs once the cover is fully opaque. This is where the
// room swap belongs.
func OnFadeOutComplete(fn func(Request)) Option {
	return func(c *Coordinator) { c.onFadeOut = fn }
}

func OnFadeInComplete(fn func(Request)) Option {
	return func(c *Coordinator) { c.onFadeIn = fn }
}

// Coordinator runs the idle -> fading-out -> black -> fading-in -> idle
// sequence. Update is driven by the game loop with the frame delta.
type Coordinator struct {
	cfg     Config
	reduced bool
	log     logging.Logger
	flag    Flag

	onFadeOut func(Request)
	onFadeIn  func(Request)

	phase      Phase
	elapsed    time.Duration
	opacity    float64
	pending    Request
	hasPending bool
}

func NewCoordinator(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{cfg: cfg, log: logging.Noop()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "transition"))
	return c
}

// Start begins a transition to req. It is ignored unless the coordinator is
// idle.
func (c *Coordinator) Start(req Request) bool {
	if c.phase != PhaseIdle {
		return false
	}
	c.pending = req
	c.hasPending = true
	c.phase = PhaseFadingOut
	c.elapsed = 0
	c.opacity = 0
	if c.flag != nil {
		c.flag.SetTransitioning(true)
	}
	c.log.Debug(context.Background(), "transition started", logging.Room(req.Target), logging.Duration("total", c.Total()))
	return true
}

// Update advances the sequence by dt. Time left over when a phase ends
// carries into the next one, so callbacks fire at the same point in time
// regardless of tick size.
func (c *Coordinator) Update(dt time.Duration) {
	if c.phase == PhaseIdle {
		return
	}
	if c.flag != nil && !c.flag.Transitioning() {
		c.log.Warn(context.Background(), "transitioning flag cleared externally, aborting", logging.Room(c.pending.Target), logging.String("phase", c.phase.String()))
		c.reset()
		return
	}
	if dt < 0 {
		dt = 0
	}

	for {
		switch c.phase {
		case PhaseFadingOut:
			d := c.duration()
			if c.elapsed+dt < d {
				c.elapsed += dt
				c.opacity = common.Clamp01(float64(c.elapsed) / float64(d))
				return
			}
			dt -= d - c.elapsed
			c.enter(PhaseBlack, 1)
			if c.onFadeOut != nil {
				c.onFadeOut(c.pending)
			}
			if c.phase != PhaseBlack {
				// Aborted from the callback.
				return
			}
		case PhaseBlack:
			h := c.hold()
			if c.elapsed+dt < h {
				c.elapsed += dt
				return
			}
			dt -= h - c.elapsed
			c.enter(PhaseFadingIn, 1)
		case PhaseFadingIn:
			d := c.duration()
			if c.elapsed+dt < d {
				c.elapsed += dt
				c.opacity = common.Clamp01(1 - float64(c.elapsed)/float64(d))
				return
			}
			req := c.pending
			c.reset()
			if c.onFadeIn != nil {
				c.onFadeIn(req)
			}
			return
		default:
			return
		}
	}
}

// Abort snaps to idle with a clear screen and drops the pending request.
func (c *Coordinator) Abort() {
	if c.phase == PhaseIdle {
		return
	}
	c.log.Debug(context.Background(), "transition aborted", logging.Room(c.pending.Target), logging.String("phase", c.phase.String()))
	c.reset()
}

func (c *Coordinator) SetReducedMotion(v bool) { c.reduced = v }
func (c *Coordinator) ReducedMotion() bool     { return c.reduced }

// SetConfig replaces the timings. A phase already running keeps its elapsed
// time and finishes against the new length.
func (c *Coordinator) SetConfig(cfg Config) { c.cfg = cfg }
func (c *Coordinator) Config() Config       { return c.cfg }

// Opacity of the full-screen cover, 0 (clear) to 1 (opaque).
func (c *Coordinator) Opacity() float64 { return c.opacity }
func (c *Coordinator) Phase() Phase     { return c.phase }
func (c *Coordinator) Active() bool     { return c.phase != PhaseIdle }

// Pending returns the request of the running transition.
func (c *Coordinator) Pending() (Request, bool) { return c.pending, c.hasPending }

// Total is the wall-clock length of a full transition with current settings.
func (c *Coordinator) Total() time.Duration { return 2*c.duration() + c.hold() }

func (c *Coordinator) duration() time.Duration {
	if c.reduced {
		return 0
	}
	return c.cfg.Duration
}

func (c *Coordinator) hold() time.Duration {
	if c.reduced {
		return max(c.cfg.ReducedMotionHold, MinReducedMotionHold)
	}
	return c.cfg.Hold
}

func (c *Coordinator) enter(p Phase, opacity float64) {
	c.phase = p
	c.elapsed = 0
	c.opacity = opacity
}

func (c *Coordinator) reset() {
	c.phase = PhaseIdle
	c.elapsed = 0
	c.opacity = 0
	c.pending = Request{}
	c.hasPending = false
	if c.flag != nil && c.flag.Transitioning() {
		c.flag.SetTransitioning(false)
	}
}
