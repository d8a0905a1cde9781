package main

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/milk9111/roomstream/assets"
	"github.com/milk9111/roomstream/bundle"
	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/debug"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
	"github.com/milk9111/roomstream/persistence"
	"github.com/milk9111/roomstream/prefabs"
	"github.com/milk9111/roomstream/render"
	"github.com/milk9111/roomstream/system"
	"github.com/milk9111/roomstream/transition"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	baseWidth  = 1280
	baseHeight = 720

	// walkSpeed is in world units per second.
	walkSpeed = 12.0
)

// Options are the command line choices passed to NewGame.
type Options struct {
	Room          levels.RoomID
	ReducedMotion bool
	DebugAddr     string
	SessionPath   string
	Fresh         bool
}

type Game struct {
	frames int

	log     logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	store   *chunk.Store
	mgr     *chunk.Manager
	world   *system.World
	scene   *render.Scene
	camera  *render.Camera
	alloc   *render.Allocator
	db      *persistence.DB
	watcher *prefabs.Watcher
	stamps  prefabs.Stamps
	fade    color.RGBA

	// snap is set when a room becomes active so the camera cuts instead of
	// gliding across the gap between rooms.
	snap bool
}

func NewGame(opts Options) (*Game, error) {
	lg := logging.NewFromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Game{
		log:    lg.With(logging.String("component", "game")),
		ctx:    ctx,
		cancel: cancel,
		scene:  render.NewScene(),
		camera: render.NewCamera(bundle.PixelsPerUnit),
		alloc:  &render.Allocator{},
		fade:   color.RGBA{A: 0xff},
	}
	if err := g.init(lg, opts); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Game) init(lg logging.Logger, opts Options) error {
	streaming, err := prefabs.LoadStreamingSpec()
	if err != nil {
		return err
	}
	transitionSpec, err := prefabs.LoadTransitionSpec()
	if err != nil {
		return err
	}
	portalSpec, err := prefabs.LoadPortalSpec()
	if err != nil {
		return err
	}
	manifest, err := levels.LoadManifest()
	if err != nil {
		return err
	}

	// An http(s) base fetches bundles remotely; anything else is a directory
	// holding bundles/ that overrides the embedded copies.
	fsys := assets.FS("assets")
	if base := streaming.BundleBase; base != "" {
		if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
			if manifest, err = manifest.WithBase(base); err != nil {
				return err
			}
		} else {
			fsys = assets.FS(base)
		}
	}

	sessionPath := opts.SessionPath
	if sessionPath == "" {
		sessionPath = streaming.SessionDB
	}
	if sessionPath != "" {
		db, err := persistence.Open(sessionPath, lg)
		if err != nil {
			g.log.Warn(g.ctx, "session store unavailable, progress will not be saved", logging.Err(err))
		} else {
			g.db = db
			if opts.Fresh {
				if err := db.ClearSession(g.ctx); err != nil {
					g.log.Warn(g.ctx, "clear session", logging.Err(err))
				}
			}
		}
	}

	metrics, err := chunk.NewMetrics(nil)
	if err != nil {
		return err
	}

	g.store = chunk.NewStore()
	loader := bundle.NewLoader(fsys, g.alloc,
		bundle.WithLogger(lg),
		bundle.WithHTTPClient(&http.Client{Timeout: streaming.LoadTimeout()}),
	)
	g.mgr = chunk.NewManager(g.store, loader, manifest, g.scene,
		chunk.WithLogger(lg),
		chunk.WithMetrics(metrics),
		chunk.WithLoadTimeout(streaming.LoadTimeout()),
		chunk.WithResidentBudget(streaming.ResidentBudget),
		chunk.WithCallbacks(chunk.Callbacks{
			OnChunkActive:   g.chunkActive,
			OnChunkDisposed: g.chunkDisposed,
			OnLoadFinished:  g.recordLoad,
		}),
	)

	worldOpts := []system.Option{
		system.WithLogger(lg),
		system.WithPortalDefaults(portalSpec),
		system.WithTransitionConfig(transition.ConfigFromSpec(transitionSpec)),
		system.WithReducedMotion(opts.ReducedMotion),
		system.WithStartRoom(opts.Room),
	}
	if g.db != nil {
		worldOpts = append(worldOpts, system.WithSessions(g.db))
	}
	g.world, err = system.NewWorld(manifest, g.store, g.mgr, worldOpts...)
	if err != nil {
		return err
	}
	g.fade = render.FadeColor(transitionSpec.Color)

	if err := g.world.Start(g.ctx); err != nil {
		return err
	}

	if opts.DebugAddr != "" {
		debugOpts := []debug.Option{debug.WithLogger(lg), debug.WithGatherer(prometheus.DefaultGatherer)}
		if g.db != nil {
			debugOpts = append(debugOpts, debug.WithHistory(g.db))
		}
		srv := debug.NewServer(g.store, debugOpts...)
		go func() {
			if err := srv.ListenAndServe(g.ctx, opts.DebugAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.log.Error(g.ctx, "debug server", logging.Err(err))
			}
		}()
	}

	g.watchPrefabs()
	return nil
}

// watchPrefabs hot-reloads tuning files and gate scripts edited on disk.
func (g *Game) watchPrefabs() {
	var dirs []string
	for _, dir := range []string{prefabs.Dir, filepath.Join(prefabs.Dir, "scripts")} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return
	}
	w, err := prefabs.NewWatcher(dirs...)
	if err != nil {
		g.log.Warn(g.ctx, "prefab watcher unavailable", logging.Err(err))
		return
	}
	g.watcher = w
}

func (g *Game) reloadPrefabs() {
	if g.watcher == nil {
		return
	}
	for {
		select {
		case ch, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.reload(ch)
		case err, ok := <-g.watcher.Errors:
			if ok {
				g.log.Warn(g.ctx, "prefab watcher", logging.Err(err))
			}
		default:
			return
		}
	}
}

func (g *Game) reload(ch prefabs.Change) {
	if !g.stamps.Changed(ch.Path) {
		return
	}
	var err error
	switch ch.Kind {
	case "transition":
		var spec *prefabs.TransitionSpec
		if spec, err = prefabs.LoadTransitionSpec(); err == nil {
			g.world.SetTransitionConfig(transition.ConfigFromSpec(spec))
			g.fade = render.FadeColor(spec.Color)
		}
	case "portal":
		var spec *prefabs.PortalSpec
		if spec, err = prefabs.LoadPortalSpec(); err == nil {
			g.world.SetPortalDefaults(spec)
		}
	case "script":
		g.world.ReloadGates()
	case "streaming":
		g.log.Info(g.ctx, "streaming.yaml changed; restart to apply")
		return
	default:
		return
	}
	if err != nil {
		g.log.Warn(g.ctx, "prefab reload failed", logging.String("file", ch.Path), logging.Err(err))
		return
	}
	g.log.Info(g.ctx, "prefab reloaded", logging.String("kind", ch.Kind), logging.String("file", ch.Path))
}

func (g *Game) chunkActive(levels.RoomID, chunk.Node) {
	g.snap = true
}

func (g *Game) chunkDisposed(room levels.RoomID) {
	g.log.Info(g.ctx, "room released", logging.Room(room), logging.Int("textures", int(g.alloc.Live())))
}

func (g *Game) recordLoad(room levels.RoomID, outcome string, elapsed time.Duration) {
	if g.db == nil {
		return
	}
	g.db.RecordLoad(persistence.LoadRecord{Room: room, Outcome: outcome, Duration: elapsed, At: time.Now()})
}

func (g *Game) readInput(dt time.Duration) system.Input {
	var dir common.Vec3
	if ebiten.IsKeyPressed(ebiten.KeyA) || ebiten.IsKeyPressed(ebiten.KeyArrowLeft) {
		dir.X--
	}
	if ebiten.IsKeyPressed(ebiten.KeyD) || ebiten.IsKeyPressed(ebiten.KeyArrowRight) {
		dir.X++
	}
	if ebiten.IsKeyPressed(ebiten.KeyW) || ebiten.IsKeyPressed(ebiten.KeyArrowUp) {
		dir.Z--
	}
	if ebiten.IsKeyPressed(ebiten.KeyS) || ebiten.IsKeyPressed(ebiten.KeyArrowDown) {
		dir.Z++
	}
	if l := dir.Len(); l > 0 {
		dir = dir.Scale(walkSpeed * dt.Seconds() / l)
	}
	return system.Input{
		Move:                dir,
		Interact:            inpututil.IsKeyJustPressed(ebiten.KeyE) || inpututil.IsKeyJustPressed(ebiten.KeyEnter),
		ToggleReducedMotion: inpututil.IsKeyJustPressed(ebiten.KeyM),
	}
}

func (g *Game) Update() error {
	g.frames++
	dt := time.Second / time.Duration(ebiten.TPS())

	g.reloadPrefabs()
	g.world.Update(dt, g.readInput(dt))

	player := g.world.Player().Position
	if g.snap {
		g.snap = false
		g.camera.SnapTo(player)
	} else {
		g.camera.Update(player)
	}
	return nil
}

func (g *Game) Draw(screen *ebiten.Image) {
	g.scene.Draw(screen, g.camera.View(), g.world.Player().Position)
	render.DrawFade(screen, g.world.Coordinator().Opacity(), g.fade)
	ebitenutil.DebugPrint(screen, g.hud())
}

func (g *Game) hud() string {
	var b strings.Builder
	snap := g.store.Snapshot()
	fmt.Fprintf(&b, "FPS: %.1f  room: %s  textures: %d\n", ebiten.ActualFPS(), snap.Active, g.alloc.Live())
	for _, r := range levels.AllRooms() {
		st := snap.State(r)
		if st == chunk.StateUnloaded {
			continue
		}
		line := fmt.Sprintf("  %-12s %s", r, st)
		if read, total, ok := g.mgr.Progress(r); ok && total > 0 {
			line += fmt.Sprintf(" %3.0f%%", 100*float64(read)/float64(total))
		}
		b.WriteString(line + "\n")
	}
	if p, ok := g.world.NearPortal(); ok && !g.world.Coordinator().Active() {
		if g.store.State(p.Target()).Activatable() {
			fmt.Fprintf(&b, "[E] enter %s\n", p.Target())
		} else {
			fmt.Fprintf(&b, "%s is still loading\n", p.Target())
		}
	}
	if g.world.Coordinator().ReducedMotion() {
		b.WriteString("reduced motion [M]\n")
	}
	return b.String()
}

func (g *Game) LayoutF(outsideWidth, outsideHeight float64) (float64, float64) {
	return baseWidth, baseHeight
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	panic("shouldn't use Layout")
}

// Close saves the session and releases every room. Safe to call on a
// partially built game.
func (g *Game) Close() {
	if g.watcher != nil {
		_ = g.watcher.Close()
	}
	if g.world != nil {
		g.world.Close()
	}
	if g.mgr != nil {
		g.mgr.Close()
	}
	g.cancel()
	if g.db != nil {
		_ = g.db.Close()
	}
}
