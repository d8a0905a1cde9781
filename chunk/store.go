package chunk

import (
	"fmt"
	"sync"
	"time"

	"github.com/milk9111/roomstream/levels"
)

// Entry is the shared, cheap-to-copy view of one room.
type Entry struct {
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// Snapshot is a consistent copy of the store as of one commit.
type Snapshot struct {
	Version       uint64
	Active        levels.RoomID
	Transitioning bool
	Rooms         [levels.RoomCount]Entry
}

func (s Snapshot) State(r levels.RoomID) State {
	if !r.Valid() {
		return StateUnloaded
	}
	return s.Rooms[r].State
}

// Resident lists rooms holding loaded scene data.
func (s Snapshot) Resident() []levels.RoomID {
	var out []levels.RoomID
	for _, r := range levels.AllRooms() {
		if s.Rooms[r].State.Resident() {
			out = append(out, r)
		}
	}
	return out
}

// Change is one room state write inside a commit.
type Change struct {
	Room levels.RoomID
	From State
	To   State
}

type CommandKind uint8

const (
	CommandPreload CommandKind = iota + 1
	CommandDispose
)

func (k CommandKind) String() string {
	switch k {
	case CommandPreload:
		return "preload"
	case CommandDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// Command is a request left in the store for the Manager to act on during
// its next Update.
type Command struct {
	Kind CommandKind
	Room levels.RoomID
}

// Store is the single source of truth for room states shared between the
// manager, the portal triggers, the transition coordinator and any reader
// on another goroutine. Heavy scene data never lives here.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	snap     Snapshot
	commands []Command

	subMu      sync.Mutex
	nextSub    int
	roomSubs   map[int]roomSub
	activeSubs map[int]func(prev, next levels.RoomID)
	flagSubs   map[int]func(bool)
}

type roomSub struct {
	room levels.RoomID
	fn   func(Change)
}

type StoreOption func(*Store)

// WithClock overrides time.Now for change timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		now:        time.Now,
		roomSubs:   make(map[int]roomSub),
		activeSubs: make(map[int]func(prev, next levels.RoomID)),
		flagSubs:   make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) State(r levels.RoomID) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State(r)
}

func (s *Store) Active() levels.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Active
}

func (s *Store) Transitioning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Transitioning
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Version
}

// Tx stages writes for one atomic commit.
type Tx struct {
	next          Snapshot
	now           time.Time
	changes       []Change
	prevActive    levels.RoomID
	activeChanged bool
	flagChanged   bool
}

func (tx *Tx) State(r levels.RoomID) State { return tx.next.State(r) }
func (tx *Tx) Active() levels.RoomID       { return tx.next.Active }

// SetState moves r to `to`, rejecting edges outside the lifecycle table.
// Writing the current state again is a no-op.
func (tx *Tx) SetState(r levels.RoomID, to State) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownRoom, uint8(r))
	}
	e := &tx.next.Rooms[r]
	from := e.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{Room: r, From: from, To: to}
	}
	e.State = to
	e.ChangedAt = tx.now
	switch {
	case from == StatePreloading && to == StateLoaded:
		e.LoadedAt = tx.now
	case !to.Resident():
		e.LoadedAt = time.Time{}
	}
	tx.changes = append(tx.changes, Change{Room: r, From: from, To: to})
	return nil
}

// SetActive records r as the current room. RoomNone clears it.
func (tx *Tx) SetActive(r levels.RoomID) {
	if tx.next.Active == r {
		return
	}
	if !tx.activeChanged {
		tx.prevActive = tx.next.Active
	}
	tx.next.Active = r
	tx.activeChanged = true
}

func (tx *Tx) SetTransitioning(v bool) {
	if tx.next.Transitioning == v {
		return
	}
	tx.next.Transitioning = v
	tx.flagChanged = !tx.flagChanged
}

// validate enforces that the active pointer and the active state agree.
func (tx *Tx) validate() error {
	count := 0
	for _, r := range levels.AllRooms() {
		if tx.next.Rooms[r].State == StateActive {
			count++
			if r != tx.next.Active {
				return fmt.Errorf("%w: room %s is active but current room is %s", ErrInvalidTransition, r, tx.next.Active)
			}
		}
	}
	if count > 1 {
		return fmt.Errorf("%w: %d rooms active", ErrInvalidTransition, count)
	}
	if tx.next.Active != levels.RoomNone && count == 0 {
		return fmt.Errorf("%w: current room %s is %s", ErrInvalidTransition, tx.next.Active, tx.next.State(tx.next.Active))
	}
	return nil
}

// Update applies fn atomically. If fn or the commit checks fail nothing is
// written. Subscribers run after the lock is released, once per commit.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{next: s.snap, now: s.now()}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := tx.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	activeChanged := tx.activeChanged && tx.prevActive != tx.next.Active
	if len(tx.changes) == 0 && !activeChanged && !tx.flagChanged {
		s.mu.Unlock()
		return nil
	}
	tx.next.Version++
	s.snap = tx.next
	s.mu.Unlock()

	s.notify(tx.changes, activeChanged, tx.prevActive, tx.next.Active, tx.flagChanged, tx.next.Transitioning)
	return nil
}

// SetState is Update with a single state write.
func (s *Store) SetState(r levels.RoomID, to State) error {
	return s.Update(func(tx *Tx) error { return tx.SetState(r, to) })
}

func (s *Store) SetTransitioning(v bool) {
	_ = s.Update(func(tx *Tx) error {
		tx.SetTransitioning(v)
		return nil
	})
}

// Enqueue leaves a command for the Manager.
func (s *Store) Enqueue(cmd Command) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

// Drain returns queued commands in FIFO order and clears the queue.
func (s *Store) Drain() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return nil
	}
	out := s.commands
	s.commands = nil
	return out
}

// SubscribeRoom calls fn for every state change of r.
func (s *Store) SubscribeRoom(r levels.RoomID, fn func(Change)) (cancel func()) {
	return s.subscribe(func(id int) { s.roomSubs[id] = roomSub{room: r, fn: fn} }, func(id int) { delete(s.roomSubs, id) })
}

// SubscribeActive calls fn whenever the current room changes.
func (s *Store) SubscribeActive(fn func(prev, next levels.RoomID)) (cancel func()) {
	return s.subscribe(func(id int) { s.activeSubs[id] = fn }, func(id int) { delete(s.activeSubs, id) })
}

// SubscribeTransitioning calls fn whenever the transitioning flag flips.
func (s *Store) SubscribeTransitioning(fn func(bool)) (cancel func()) {
	return s.subscribe(func(id int) { s.flagSubs[id] = fn }, func(id int) { delete(s.flagSubs, id) })
}

func (s *Store) subscribe(add, remove func(id int)) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	add(id)
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			remove(id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(changes []Change, activeChanged bool, prev, next levels.RoomID, flagChanged, flag bool) {
	s.subMu.Lock()
	var roomFns []func()
	for _, c := range changes {
		for _, sub := range s.roomSubs {
			if sub.room == c.Room {
				fn, c := sub.fn, c
				roomFns = append(roomFns, func() { fn(c) })
			}
		}
	}
	var activeFns []func(prev, next levels.RoomID)
	if activeChanged {
		for _, fn := range s.activeSubs {
			activeFns = append(activeFns, fn)
		}
	}
	var flagFns []func(bool)
	if flagChanged {
		for _, fn := range s.flagSubs {
			flagFns = append(flagFns, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range roomFns {
		fn()
	}
	for _, fn := range activeFns {
		fn(prev, next)
	}
	for _, fn := range flagFns {
		fn(flag)
	}
}
