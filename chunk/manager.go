package chunk

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
)

// Callbacks hand control back to room content and player placement.
type Callbacks struct {
	OnChunkActive   func(room levels.RoomID, node Node)
	OnChunkDisposed func(room levels.RoomID)
	OnLoadFinished  func(room levels.RoomID, outcome string, elapsed time.Duration)
}

type Option func(*Manager)

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLoadTimeout fails loads that take longer than d. Zero waits forever.
func WithLoadTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithResidentBudget logs a warning while more than n rooms hold scene data.
// Nothing is evicted. Zero disables the warning.
func WithResidentBudget(n int) Option {
	return func(m *Manager) { m.budget = n }
}

func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.cb = cb }
}

func WithManagerClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// runtimeEntry is the heavyweight half of a room. It exists exactly while
// the room is loaded, active or dormant.
type runtimeEntry struct {
	bundle   Bundle
	node     Node
	loadedAt time.Time
	attached bool
}

// loadHandle is the cancellation token for one in-flight load.
type loadHandle struct {
	room    levels.RoomID
	url     string
	cancel  context.CancelFunc
	started time.Time
	read    atomic.Int64
	total   atomic.Int64
}

type loadResult struct {
	handle *loadHandle
	bundle Bundle
	err    error
}

// Manager drives the per-room lifecycle. Its methods must be called from the
// update loop; only the bundle fetch itself runs on other goroutines, and
// its result is applied during Update.
type Manager struct {
	store   *Store
	loader  Loader
	sources Sources
	scene   Scene
	log     logging.Logger
	metrics *Metrics
	cb      Callbacks
	timeout time.Duration
	budget  int
	now     func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	// results is unbuffered: a finished load blocks until Update takes it
	// or Close runs.
	results chan loadResult

	entries    map[levels.RoomID]*runtimeEntry
	inflight   map[levels.RoomID]*loadHandle
	overBudget bool
	closed     bool
}

func NewManager(store *Store, loader Loader, sources Sources, scene Scene, opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		loader:   loader,
		sources:  sources,
		scene:    scene,
		log:      logging.Noop(),
		now:      time.Now,
		ctx:      ctx,
		stop:     stop,
		results:  make(chan loadResult),
		entries:  make(map[levels.RoomID]*runtimeEntry),
		inflight: make(map[levels.RoomID]*loadHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.String("component", "chunk"))
	return m
}

// RequestPreload starts loading room unless it is already loading or
// resident. Unloaded and disposed rooms move to preloading.
func (m *Manager) RequestPreload(room levels.RoomID) {
	if m.closed {
		return
	}
	if !room.Valid() {
		m.log.Warn(m.ctx, "preload of unknown room", logging.Int("room_id", int(room)))
		return
	}
	switch st := m.store.State(room); st {
	case StateUnloaded, StateDisposed:
		if err := m.store.SetState(room, StatePreloading); err != nil {
			m.log.Warn(m.ctx, "preload rejected", logging.Room(room), logging.Err(err))
			return
		}
		m.startLoad(room)
	case StatePreloading:
		// Written by someone else; start it if nobody has yet.
		if m.inflight[room] == nil {
			m.startLoad(room)
		}
	}
}

// Activate makes room the current room. The previous current room is
// hidden and kept as dormant. Rooms that are not loaded or dormant are left
// alone and the call returns an ErrInvalidTransition.
func (m *Manager) Activate(room levels.RoomID) error {
	if !room.Valid() {
		err := fmt.Errorf("%w: %d", ErrUnknownRoom, uint8(room))
		m.log.Warn(m.ctx, "activate of unknown room", logging.Err(err))
		return err
	}
	st := m.store.State(room)
	if st == StateActive {
		return nil
	}
	if !st.Activatable() {
		err := &TransitionError{Room: room, From: st, To: StateActive}
		m.log.Warn(m.ctx, "activate declined", logging.Room(room), logging.String("state", st.String()), logging.Err(err))
		return err
	}
	entry := m.entries[room]
	if entry == nil {
		err := fmt.Errorf("%w: room %s is %s with no scene data", ErrInvalidTransition, room, st)
		m.log.Warn(m.ctx, "activate declined", logging.Room(room), logging.Err(err))
		return err
	}

	prev := m.store.Active()
	err := m.store.Update(func(tx *Tx) error {
		if prev.Valid() && prev != room {
			if err := tx.SetState(prev, StateDormant); err != nil {
				return err
			}
		}
		if err := tx.SetState(room, StateActive); err != nil {
			return err
		}
		tx.SetActive(room)
		return nil
	})
	if err != nil {
		m.log.Warn(m.ctx, "activate rejected by store", logging.Room(room), logging.Err(err))
		return err
	}

	if !entry.attached {
		m.scene.Attach(entry.node)
		entry.attached = true
	}
	entry.node.SetVisible(true)
	if prevEntry := m.entries[prev]; prev != room && prevEntry != nil {
		prevEntry.node.SetVisible(false)
	}

	m.metrics.activated(room)
	m.log.Info(m.ctx, "room active", logging.Room(room), logging.String("previous", prev.String()))
	if m.cb.OnChunkActive != nil {
		m.cb.OnChunkActive(room, entry.node)
	}
	return nil
}

// Dispose cancels any in-flight load for room, releases its scene data and
// marks it disposed. The current room cannot be disposed.
func (m *Manager) Dispose(room levels.RoomID) error {
	if !room.Valid() {
		err := fmt.Errorf("%w: %d", ErrUnknownRoom, uint8(room))
		m.log.Warn(m.ctx, "dispose of unknown room", logging.Err(err))
		return err
	}
	st := m.store.State(room)
	if st == StateActive {
		err := &TransitionError{Room: room, From: st, To: StateDisposed}
		m.log.Warn(m.ctx, "dispose declined", logging.Room(room), logging.Err(err))
		return err
	}

	h := m.inflight[room]
	entry := m.entries[room]
	if st == StateDisposed && h == nil && entry == nil {
		return nil
	}

	// Cancel first, then release, then write the state.
	if h != nil {
		h.cancel()
		delete(m.inflight, room)
		m.metrics.setInFlight(len(m.inflight))
		m.log.Debug(m.ctx, "cancelled in-flight load", logging.Room(room), logging.String("url", h.url))
	}
	if entry != nil {
		if entry.attached {
			m.scene.Detach(entry.node)
		}
		entry.bundle.Dispose()
		delete(m.entries, room)
	}
	if err := m.store.SetState(room, StateDisposed); err != nil {
		m.log.Error(m.ctx, "dispose state write failed", logging.Room(room), logging.Err(err))
		return err
	}

	m.metrics.disposed(room)
	m.metrics.setResident(len(m.entries))
	m.log.Info(m.ctx, "room disposed", logging.Room(room))
	if m.cb.OnChunkDisposed != nil {
		m.cb.OnChunkDisposed(room)
	}
	return nil
}

// Update drains queued commands, starts loads for rooms marked preloading
// directly in the store, and applies any finished loads.
func (m *Manager) Update() {
	if m.closed {
		return
	}
	for _, cmd := range m.store.Drain() {
		switch cmd.Kind {
		case CommandPreload:
			m.RequestPreload(cmd.Room)
		case CommandDispose:
			_ = m.Dispose(cmd.Room)
		default:
			m.log.Warn(m.ctx, "unknown command", logging.Int("kind", int(cmd.Kind)))
		}
	}

	snap := m.store.Snapshot()
	for _, r := range levels.AllRooms() {
		if snap.State(r) == StatePreloading && m.inflight[r] == nil {
			m.startLoad(r)
		}
	}

	for drained := false; !drained; {
		select {
		case res := <-m.results:
			m.apply(res)
		default:
			drained = true
		}
	}

	m.checkBudget()
}

// LoadedRooms lists rooms holding scene data. Diagnostics only.
func (m *Manager) LoadedRooms() []levels.RoomID {
	out := make([]levels.RoomID, 0, len(m.entries))
	for r := range m.entries {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Loading reports whether room has a load in flight.
func (m *Manager) Loading(room levels.RoomID) bool {
	return m.inflight[room] != nil
}

// Progress returns bytes read and expected total for room's in-flight load.
func (m *Manager) Progress(room levels.RoomID) (read, total int64, ok bool) {
	h := m.inflight[room]
	if h == nil {
		return 0, 0, false
	}
	return h.read.Load(), h.total.Load(), true
}

// Close cancels every in-flight load and releases all scene data.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.stop()
	clear(m.inflight)
	for r, e := range m.entries {
		if e.attached {
			m.scene.Detach(e.node)
		}
		e.bundle.Dispose()
		delete(m.entries, r)
	}
	m.metrics.setInFlight(0)
	m.metrics.setResident(0)
}

func (m *Manager) startLoad(room levels.RoomID) {
	if m.closed || m.inflight[room] != nil {
		return
	}
	url, ok := m.sources.BundleURL(room)
	if !ok {
		m.log.Error(m.ctx, "room has no bundle", logging.Room(room), logging.Err(ErrUnknownRoom))
		_ = m.store.SetState(room, StateUnloaded)
		m.finish(room, OutcomeFailed, 0)
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.timeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}
	h := &loadHandle{room: room, url: url, cancel: cancel, started: m.now()}
	h.total.Store(-1)
	m.inflight[room] = h
	m.metrics.setInFlight(len(m.inflight))
	m.log.Debug(m.ctx, "loading bundle", logging.Room(room), logging.String("url", url))

	go m.fetch(ctx, h)
}

func (m *Manager) fetch(ctx context.Context, h *loadHandle) {
	b, err := m.loader.Load(ctx, h.url, func(read, total int64) {
		h.read.Store(read)
		h.total.Store(total)
	})
	if err == nil && b == nil {
		err = errors.New("loader returned no bundle")
	}
	select {
	case m.results <- loadResult{handle: h, bundle: b, err: err}:
	case <-m.ctx.Done():
		if b != nil {
			b.Dispose()
		}
	}
}

func (m *Manager) apply(res loadResult) {
	h := res.handle
	elapsed := m.now().Sub(h.started)

	if m.inflight[h.room] != h || m.store.State(h.room) != StatePreloading {
		// Disposed or superseded while loading; keep nothing.
		if m.inflight[h.room] == h {
			delete(m.inflight, h.room)
			m.metrics.setInFlight(len(m.inflight))
			h.cancel()
		}
		if res.bundle != nil {
			res.bundle.Dispose()
		}
		outcome := OutcomeStale
		if errors.Is(res.err, context.Canceled) {
			outcome = OutcomeAborted
		}
		m.log.Debug(m.ctx, "discarding load result", logging.Room(h.room), logging.String("outcome", outcome), logging.Err(ErrStaleReference))
		m.finish(h.room, outcome, elapsed)
		return
	}

	delete(m.inflight, h.room)
	m.metrics.setInFlight(len(m.inflight))
	h.cancel()

	var node Node
	err := res.err
	if err == nil {
		if node = res.bundle.Root(); isNilNode(node) {
			err = errors.New("bundle has no root node")
		}
	}
	if err != nil {
		if res.bundle != nil {
			res.bundle.Dispose()
		}
		classified := ClassifyLoadError(err)
		outcome := OutcomeFailed
		if errors.Is(classified, ErrLoadAborted) {
			outcome = OutcomeAborted
			m.log.Debug(m.ctx, "load aborted", logging.Room(h.room), logging.Err(classified))
		} else {
			m.log.Error(m.ctx, "load failed", logging.Room(h.room), logging.String("url", h.url), logging.Duration("elapsed", elapsed), logging.Err(classified))
		}
		if serr := m.store.SetState(h.room, StateUnloaded); serr != nil {
			m.log.Error(m.ctx, "reset after load failure", logging.Room(h.room), logging.Err(serr))
		}
		m.finish(h.room, outcome, elapsed)
		return
	}

	node.SetVisible(false)
	m.entries[h.room] = &runtimeEntry{bundle: res.bundle, node: node, loadedAt: m.now()}
	if serr := m.store.SetState(h.room, StateLoaded); serr != nil {
		delete(m.entries, h.room)
		res.bundle.Dispose()
		m.log.Error(m.ctx, "loaded state write failed", logging.Room(h.room), logging.Err(serr))
		m.finish(h.room, OutcomeFailed, elapsed)
		return
	}
	m.metrics.setResident(len(m.entries))
	m.log.Info(m.ctx, "room loaded", logging.Room(h.room), logging.Duration("elapsed", elapsed))
	m.finish(h.room, OutcomeLoaded, elapsed)
}

// isNilNode also catches a typed nil pointer wrapped in the interface, which
// loaders outside this module may return from Root.
func isNilNode(n Node) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func (m *Manager) finish(room levels.RoomID, outcome string, elapsed time.Duration) {
	m.metrics.observeLoad(room, outcome, elapsed)
	if m.cb.OnLoadFinished != nil {
		m.cb.OnLoadFinished(room, outcome, elapsed)
	}
}

func (m *Manager) checkBudget() {
	if m.budget <= 0 {
		return
	}
	resident := len(m.entries)
	switch {
	case resident > m.budget && !m.overBudget:
		m.overBudget = true
		m.log.Warn(m.ctx, "resident room budget exceeded", logging.Int("resident", resident), logging.Int("budget", m.budget))
	case resident <= m.budget:
		m.overBudget = false
	}
}
