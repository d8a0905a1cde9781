package portal

import (
	"context"

	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
	"github.com/milk9111/roomstream/prefabs"
)

const (
	DefaultPreloadDistance    = 15.0
	DefaultActivationDistance = 3.0
	DefaultHysteresis         = 1.2
)

// Rooms is the part of the shared store a trigger reads and writes.
type Rooms interface {
	State(r levels.RoomID) chunk.State
	Enqueue(cmd chunk.Command)
}

type Config struct {
	Name               string
	Target             levels.RoomID
	Position           common.Vec3
	Spawn              common.Pose
	PreloadDistance    float64
	ActivationDistance float64
	// Hysteresis scales PreloadDistance to get the distance the player has
	// to retreat past before the trigger re-arms.
	Hysteresis float64
	Gate       *Gate
}

// ConfigFromSpec builds a trigger config from a manifest portal, filling
// unset distances from defaults. A nil defaults uses the package constants.
func ConfigFromSpec(p levels.PortalSpec, defaults *prefabs.PortalSpec) Config {
	cfg := Config{
		Name:               p.Name,
		Target:             p.To,
		Position:           p.Position,
		Spawn:              p.Spawn,
		PreloadDistance:    p.PreloadDistance,
		ActivationDistance: p.ActivationDistance,
	}
	preload, activation, hyst := DefaultPreloadDistance, DefaultActivationDistance, DefaultHysteresis
	if defaults != nil {
		preload, activation, hyst = defaults.PreloadDistance, defaults.ActivationDistance, defaults.Hysteresis
	}
	if cfg.PreloadDistance <= 0 {
		cfg.PreloadDistance = preload
	}
	if cfg.ActivationDistance <= 0 {
		cfg.ActivationDistance = activation
	}
	cfg.Hysteresis = hyst
	return cfg
}

func (c *Config) normalize() {
	if c.PreloadDistance <= 0 {
		c.PreloadDistance = DefaultPreloadDistance
	}
	if c.ActivationDistance <= 0 {
		c.ActivationDistance = DefaultActivationDistance
	}
	if c.Hysteresis < 1 {
		c.Hysteresis = DefaultHysteresis
	}
}

// ActivateFunc receives the target room and spawn pose of a used portal.
type ActivateFunc func(target levels.RoomID, spawn common.Pose)

type Option func(*Trigger)

func WithLogger(l logging.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.log = l
		}
	}
}

func OnActivate(fn ActivateFunc) Option {
	return func(t *Trigger) { t.onActivate = fn }
}

// OnRangeChange is called whenever the player enters or leaves the
// activation zone.
func OnRangeChange(fn func(inRange bool)) Option {
	return func(t *Trigger) { t.onRange = fn }
}

// Trigger watches the distance between the player and one portal. Near the
// portal it asks for the target room to be preloaded; inside the activation
// zone it lets an interaction start the room change once the room is ready.
type Trigger struct {
	cfg        Config
	rooms      Rooms
	log        logging.Logger
	onActivate ActivateFunc
	onRange    func(bool)

	distance  float64
	triggered bool
	inRange   bool
}

func NewTrigger(cfg Config, rooms Rooms, opts ...Option) *Trigger {
	cfg.normalize()
	t := &Trigger{cfg: cfg, rooms: rooms, log: logging.Noop(), distance: -1}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.String("component", "portal"), logging.String("portal", cfg.Name))
	return t
}

func (t *Trigger) Config() Config { return t.cfg }

// SetConfig swaps tuning values without resetting the armed or in-range
// state; the next Update applies them.
func (t *Trigger) SetConfig(cfg Config) {
	cfg.normalize()
	t.cfg = cfg
}

// Update runs the per-tick proximity checks for the player position.
func (t *Trigger) Update(player common.Vec3) {
	d := common.Distance(player, t.cfg.Position)
	t.distance = d

	switch {
	case d <= t.cfg.PreloadDistance && !t.triggered:
		st := t.rooms.State(t.cfg.Target)
		if st == chunk.StateUnloaded || st == chunk.StateDisposed {
			t.rooms.Enqueue(chunk.Command{Kind: chunk.CommandPreload, Room: t.cfg.Target})
			t.triggered = true
			t.log.Debug(context.Background(), "preload requested", logging.Room(t.cfg.Target), logging.Float("distance", d))
		}
	case d > t.cfg.PreloadDistance*t.cfg.Hysteresis && t.triggered:
		t.triggered = false
	}

	in := d <= t.cfg.ActivationDistance
	if in != t.inRange {
		t.inRange = in
		if t.onRange != nil {
			t.onRange(in)
		}
	}
}

// Interact handles a player interaction. It returns true when the activation
// callback ran; a target that is not ready yet declines silently.
func (t *Trigger) Interact() bool {
	if !t.inRange {
		return false
	}
	st := t.rooms.State(t.cfg.Target)
	if !st.Activatable() {
		t.log.Debug(context.Background(), "portal not ready", logging.Room(t.cfg.Target), logging.String("state", st.String()))
		return false
	}
	if t.cfg.Gate != nil {
		ok, err := t.cfg.Gate.Allow(t.cfg.Target.String(), st.String(), t.distance)
		if err != nil {
			t.log.Warn(context.Background(), "gate script failed", logging.String("gate", t.cfg.Gate.Name()), logging.Err(err))
			return false
		}
		if !ok {
			t.log.Debug(context.Background(), "gate closed", logging.String("gate", t.cfg.Gate.Name()))
			return false
		}
	}
	if t.onActivate != nil {
		t.onActivate(t.cfg.Target, t.cfg.Spawn)
	}
	return true
}

func (t *Trigger) Target() levels.RoomID { return t.cfg.Target }

// InRange reports whether the player is inside the activation zone.
func (t *Trigger) InRange() bool { return t.inRange }

// Triggered reports whether this trigger has fired a preload and not yet
// re-armed.
func (t *Trigger) Triggered() bool { return t.triggered }

// Distance is the last measured player distance, or -1 before the first Update.
func (t *Trigger) Distance() float64 { return t.distance }
