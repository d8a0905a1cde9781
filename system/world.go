package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
	"github.com/milk9111/roomstream/persistence"
	"github.com/milk9111/roomstream/portal"
	"github.com/milk9111/roomstream/prefabs"
	"github.com/milk9111/roomstream/transition"
)

// startRetryDelay is how long the world waits before asking for the start
// room again after its load failed.
const startRetryDelay = time.Second

// Sessions saves and restores where the player left off.
type Sessions interface {
	SaveSession(ctx context.Context, s persistence.Session) error
	LoadSession(ctx context.Context) (persistence.Session, error)
}

// Input is one tick of player intent.
type Input struct {
	// Move is the displacement to apply this tick, in world units.
	Move                common.Vec3
	Interact            bool
	ToggleReducedMotion bool
}

type Option func(*World)

func WithLogger(l logging.Logger) Option {
	return func(w *World) {
		if l != nil {
			w.log = l
		}
	}
}

func WithSessions(s Sessions) Option {
	return func(w *World) { w.sessions = s }
}

func WithPortalDefaults(spec *prefabs.PortalSpec) Option {
	return func(w *World) { w.portalDefaults = spec }
}

func WithTransitionConfig(cfg transition.Config) Option {
	return func(w *World) { w.transitionCfg = cfg }
}

// WithStartRoom enters room instead of the saved session or manifest start.
func WithStartRoom(room levels.RoomID) Option {
	return func(w *World) { w.startOverride = room }
}

func WithReducedMotion(v bool) Option {
	return func(w *World) { w.reducedMotion = v }
}

// WithScriptLoader replaces prefabs.LoadScript for portal gates.
func WithScriptLoader(fn func(name string) ([]byte, error)) Option {
	return func(w *World) {
		if fn != nil {
			w.loadScript = fn
		}
	}
}

// World ties the room store, the lifecycle manager, the portals of the
// current room and the fade together around one player position. All of it
// runs on the update loop.
type World struct {
	manifest *levels.Manifest
	store    *chunk.Store
	mgr      *chunk.Manager
	coord    *transition.Coordinator
	log      logging.Logger
	sessions Sessions

	portalDefaults *prefabs.PortalSpec
	transitionCfg  transition.Config
	startOverride  levels.RoomID
	reducedMotion  bool
	loadScript     func(string) ([]byte, error)

	player     common.Pose
	start      levels.RoomID
	retryIn    time.Duration
	triggers   []*portal.Trigger
	gates      map[string]*portal.Gate
	unsubs     []func()
	inRange    *portal.Trigger
	lastDenied levels.RoomID
}

func NewWorld(manifest *levels.Manifest, store *chunk.Store, mgr *chunk.Manager, opts ...Option) (*World, error) {
	if manifest == nil || store == nil || mgr == nil {
		return nil, errors.New("system: world needs a manifest, a store and a manager")
	}
	w := &World{
		manifest:      manifest,
		store:         store,
		mgr:           mgr,
		log:           logging.Noop(),
		transitionCfg: transition.DefaultConfig(),
		loadScript:    prefabs.LoadScript,
		gates:         make(map[string]*portal.Gate),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(logging.String("component", "world"))

	w.coord = transition.NewCoordinator(w.transitionCfg,
		transition.WithLogger(w.log),
		transition.WithFlag(store),
		transition.OnFadeOutComplete(w.swapRooms),
		transition.OnFadeInComplete(w.transitionDone),
	)
	w.coord.SetReducedMotion(w.reducedMotion)

	w.unsubs = append(w.unsubs, store.SubscribeActive(func(_, next levels.RoomID) {
		w.buildTriggers(next)
	}))
	return w, nil
}

// Start picks the entry room and asks for it to be loaded. The room is
// entered by Update once its bundle is ready.
func (w *World) Start(ctx context.Context) error {
	room := w.manifest.Start
	w.player = common.Pose{}
	switch {
	case w.startOverride.Valid():
		room = w.startOverride
	case w.sessions != nil:
		s, err := w.sessions.LoadSession(ctx)
		switch {
		case err == nil:
			room, w.player = s.Room, s.Spawn
			w.log.Info(ctx, "resuming session", logging.Room(room), logging.Any("position", s.Spawn.Position))
		case errors.Is(err, persistence.ErrNoSession):
		default:
			w.log.Warn(ctx, "session unreadable, starting fresh", logging.Err(err))
		}
	}
	if _, ok := w.manifest.BundleURL(room); !ok {
		return fmt.Errorf("system: start room %s has no bundle", room)
	}
	w.start = room
	w.retryIn = startRetryDelay
	w.mgr.RequestPreload(room)
	return nil
}

// Update advances one tick.
func (w *World) Update(dt time.Duration, in Input) {
	if in.ToggleReducedMotion {
		w.SetReducedMotion(!w.coord.ReducedMotion())
	}

	w.enterStartRoom(dt)

	if !w.coord.Active() {
		w.player.Position = w.player.Position.Add(in.Move)
	}

	var near *portal.Trigger
	for _, t := range w.triggers {
		t.Update(w.player.Position)
		if t.InRange() && near == nil {
			near = t
		}
	}
	w.inRange = near

	if in.Interact && !w.coord.Active() && near != nil {
		if !near.Interact() && w.lastDenied != near.Target() {
			w.lastDenied = near.Target()
			w.log.Debug(context.Background(), "portal declined", logging.Room(near.Target()), logging.String("state", w.store.State(near.Target()).String()))
		}
	}

	w.mgr.Update()
	w.coord.Update(dt)
}

// enterStartRoom activates the start room once it has loaded, retrying the
// load after a failure.
func (w *World) enterStartRoom(dt time.Duration) {
	if !w.start.Valid() || w.store.Active() != levels.RoomNone {
		return
	}
	switch w.store.State(w.start) {
	case chunk.StateLoaded, chunk.StateDormant:
		if err := w.mgr.Activate(w.start); err != nil {
			w.log.Error(context.Background(), "enter start room", logging.Room(w.start), logging.Err(err))
		}
	case chunk.StateUnloaded, chunk.StateDisposed:
		if w.mgr.Loading(w.start) {
			return
		}
		w.retryIn -= dt
		if w.retryIn > 0 {
			return
		}
		w.retryIn = startRetryDelay
		w.mgr.RequestPreload(w.start)
	}
}

// buildTriggers replaces the portal triggers with those leaving room.
func (w *World) buildTriggers(room levels.RoomID) {
	w.triggers = nil
	w.inRange = nil
	w.lastDenied = levels.RoomNone
	for _, p := range w.manifest.PortalsFrom(room) {
		cfg := portal.ConfigFromSpec(p, w.portalDefaults)
		if p.Gate != "" {
			gate, err := w.gate(p.Gate)
			if err != nil {
				w.log.Error(context.Background(), "portal gate unavailable, portal disabled", logging.String("portal", p.Name), logging.Err(err))
				continue
			}
			cfg.Gate = gate
		}
		w.triggers = append(w.triggers, portal.NewTrigger(cfg, w.store,
			portal.WithLogger(w.log),
			portal.OnActivate(w.requestTransition),
		))
	}
	w.log.Debug(context.Background(), "portals armed", logging.Room(room), logging.Int("count", len(w.triggers)))
}

func (w *World) gate(name string) (*portal.Gate, error) {
	if g, ok := w.gates[name]; ok {
		return g, nil
	}
	src, err := w.loadScript(name)
	if err != nil {
		return nil, fmt.Errorf("system: load gate %s: %w", name, err)
	}
	g, err := portal.CompileGate(name, src)
	if err != nil {
		return nil, err
	}
	w.gates[name] = g
	return g, nil
}

func (w *World) requestTransition(target levels.RoomID, spawn common.Pose) {
	if w.coord.Start(transition.Request{Target: target, Spawn: spawn}) {
		w.log.Info(context.Background(), "entering portal", logging.Room(target))
	}
}

// swapRooms runs with the screen fully covered.
func (w *World) swapRooms(req transition.Request) {
	if err := w.mgr.Activate(req.Target); err != nil {
		// The room went away during the fade-out; fade back into the old one.
		w.log.Warn(context.Background(), "room swap declined", logging.Room(req.Target), logging.Err(err))
		return
	}
	w.player = req.Spawn
}

func (w *World) transitionDone(transition.Request) {
	w.saveSession()
}

func (w *World) saveSession() {
	if w.sessions == nil || !w.store.Active().Valid() {
		return
	}
	s := persistence.Session{Room: w.store.Active(), Spawn: w.player}
	if err := w.sessions.SaveSession(context.Background(), s); err != nil {
		w.log.Warn(context.Background(), "save session", logging.Err(err))
	}
}

// SetPortalDefaults re-tunes every portal, keeping per-portal overrides
// from the manifest.
func (w *World) SetPortalDefaults(spec *prefabs.PortalSpec) {
	w.portalDefaults = spec
	active := w.store.Active()
	specs := w.manifest.PortalsFrom(active)
	for i, t := range w.triggers {
		for _, p := range specs {
			if p.To != t.Target() || p.Name != t.Config().Name {
				continue
			}
			cfg := portal.ConfigFromSpec(p, spec)
			cfg.Gate = t.Config().Gate
			w.triggers[i].SetConfig(cfg)
		}
	}
}

// ReloadGates drops compiled gate scripts and re-arms the current portals
// so edited scripts take effect.
func (w *World) ReloadGates() {
	clear(w.gates)
	w.buildTriggers(w.store.Active())
}

func (w *World) SetTransitionConfig(cfg transition.Config) {
	w.transitionCfg = cfg
	w.coord.SetConfig(cfg)
}

func (w *World) SetReducedMotion(v bool) {
	w.coord.SetReducedMotion(v)
	w.log.Info(context.Background(), "reduced motion", logging.Any("enabled", v))
}

func (w *World) Player() common.Pose                  { return w.player }
func (w *World) Store() *chunk.Store                  { return w.store }
func (w *World) Coordinator() *transition.Coordinator { return w.coord }
func (w *World) Triggers() []*portal.Trigger          { return w.triggers }

// NearPortal returns the portal whose activation zone the player is in.
func (w *World) NearPortal() (*portal.Trigger, bool) {
	return w.inRange, w.inRange != nil
}

// Close saves the session and stops watching the store. The manager is
// owned by the caller.
func (w *World) Close() {
	w.saveSession()
	for _, u := range w.unsubs {
		u()
	}
	w.unsubs = nil
}
