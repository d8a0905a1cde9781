package chunk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/milk9111/roomstream/levels"
)

func TestTransitionTable(t *testing.T) {
	legal := map[[2]State]bool{
		{StateUnloaded, StatePreloading}: true,
		{StateUnloaded, StateDisposed}:   true,
		{StatePreloading, StateLoaded}:   true,
		{StatePreloading, StateUnloaded}: true,
		{StatePreloading, StateDisposed}: true,
		{StateLoaded, StateActive}:       true,
		{StateLoaded, StateDisposed}:     true,
		{StateActive, StateDormant}:      true,
		{StateDormant, StateActive}:      true,
		{StateDormant, StateDisposed}:    true,
		{StateDisposed, StatePreloading}: true,
	}
	states := []State{StateUnloaded, StatePreloading, StateLoaded, StateActive, StateDormant, StateDisposed}
	for _, from := range states {
		for _, to := range states {
			want := legal[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStoreRejectsIllegalEdge(t *testing.T) {
	s := NewStore()
	err := s.SetState(levels.RoomLibrary, StateActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StateUnloaded || te.To != StateActive {
		t.Fatalf("unexpected error detail: %v", err)
	}
	if s.Version() != 0 {
		t.Fatalf("version bumped on rejected write")
	}
}

func TestStoreUpdateRollsBack(t *testing.T) {
	s := NewStore()
	err := s.Update(func(tx *Tx) error {
		if err := tx.SetState(levels.RoomFoyer, StatePreloading); err != nil {
			return err
		}
		return tx.SetState(levels.RoomLibrary, StateDormant)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := s.State(levels.RoomFoyer); got != StateUnloaded {
		t.Fatalf("foyer=%s after rollback", got)
	}
}

func TestStoreSingleActiveRoom(t *testing.T) {
	s := NewStore()
	for _, r := range []levels.RoomID{levels.RoomFoyer, levels.RoomLibrary} {
		if err := s.SetState(r, StatePreloading); err != nil {
			t.Fatal(err)
		}
		if err := s.SetState(r, StateLoaded); err != nil {
			t.Fatal(err)
		}
	}

	err := s.Update(func(tx *Tx) error {
		if err := tx.SetState(levels.RoomFoyer, StateActive); err != nil {
			return err
		}
		if err := tx.SetState(levels.RoomLibrary, StateActive); err != nil {
			return err
		}
		tx.SetActive(levels.RoomFoyer)
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("two active rooms accepted: %v", err)
	}

	// Active state without the pointer is rejected too.
	if err := s.SetState(levels.RoomFoyer, StateActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("active without pointer accepted: %v", err)
	}

	err = s.Update(func(tx *Tx) error {
		tx.SetActive(levels.RoomFoyer)
		return tx.SetState(levels.RoomFoyer, StateActive)
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Active() != levels.RoomFoyer {
		t.Fatalf("active=%s", s.Active())
	}
}

func TestStoreTimestamps(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return now }))

	_ = s.SetState(levels.RoomGallery, StatePreloading)
	now = now.Add(time.Second)
	_ = s.SetState(levels.RoomGallery, StateLoaded)

	e := s.Snapshot().Rooms[levels.RoomGallery]
	if !e.LoadedAt.Equal(now) || !e.ChangedAt.Equal(now) {
		t.Fatalf("entry=%+v", e)
	}

	now = now.Add(time.Second)
	_ = s.SetState(levels.RoomGallery, StateDisposed)
	if e := s.Snapshot().Rooms[levels.RoomGallery]; !e.LoadedAt.IsZero() {
		t.Fatalf("loaded_at kept after dispose: %+v", e)
	}
}

func TestStoreSameStateWriteIsNoop(t *testing.T) {
	s := NewStore()
	_ = s.SetState(levels.RoomFoyer, StatePreloading)
	v := s.Version()
	calls := 0
	s.SubscribeRoom(levels.RoomFoyer, func(Change) { calls++ })
	if err := s.SetState(levels.RoomFoyer, StatePreloading); err != nil {
		t.Fatal(err)
	}
	if s.Version() != v || calls != 0 {
		t.Fatalf("version=%d calls=%d", s.Version(), calls)
	}
}

func TestStoreSubscriptions(t *testing.T) {
	s := NewStore()
	var changes []Change
	cancel := s.SubscribeRoom(levels.RoomLibrary, func(c Change) { changes = append(changes, c) })
	var actives [][2]levels.RoomID
	s.SubscribeActive(func(prev, next levels.RoomID) { actives = append(actives, [2]levels.RoomID{prev, next}) })
	var flags []bool
	s.SubscribeTransitioning(func(v bool) { flags = append(flags, v) })

	_ = s.SetState(levels.RoomFoyer, StatePreloading)
	_ = s.SetState(levels.RoomLibrary, StatePreloading)
	_ = s.SetState(levels.RoomLibrary, StateLoaded)
	_ = s.Update(func(tx *Tx) error {
		tx.SetActive(levels.RoomLibrary)
		return tx.SetState(levels.RoomLibrary, StateActive)
	})
	s.SetTransitioning(true)
	s.SetTransitioning(true)
	s.SetTransitioning(false)

	if len(changes) != 3 || changes[2] != (Change{Room: levels.RoomLibrary, From: StateLoaded, To: StateActive}) {
		t.Fatalf("changes=%v", changes)
	}
	if len(actives) != 1 || actives[0] != [2]levels.RoomID{levels.RoomNone, levels.RoomLibrary} {
		t.Fatalf("actives=%v", actives)
	}
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("flags=%v", flags)
	}

	cancel()
	cancel()
	s.SetTransitioning(true)
	_ = s.Update(func(tx *Tx) error {
		if err := tx.SetState(levels.RoomLibrary, StateDormant); err != nil {
			return err
		}
		tx.SetActive(levels.RoomNone)
		return nil
	})
	if len(changes) != 3 {
		t.Fatalf("cancelled subscriber still called: %v", changes)
	}
}

func TestStoreSubscriberMayWrite(t *testing.T) {
	s := NewStore()
	s.SubscribeRoom(levels.RoomFoyer, func(c Change) {
		if c.To == StatePreloading {
			s.Enqueue(Command{Kind: CommandPreload, Room: levels.RoomLibrary})
		}
	})
	_ = s.SetState(levels.RoomFoyer, StatePreloading)
	cmds := s.Drain()
	if len(cmds) != 1 || cmds[0].Room != levels.RoomLibrary {
		t.Fatalf("cmds=%v", cmds)
	}
	if s.Drain() != nil {
		t.Fatalf("queue not cleared")
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore()
	_ = s.SetState(levels.RoomFoyer, StatePreloading)
	_ = s.SetState(levels.RoomFoyer, StateLoaded)
	_ = s.Update(func(tx *Tx) error {
		tx.SetActive(levels.RoomFoyer)
		return tx.SetState(levels.RoomFoyer, StateActive)
	})
	_ = s.SetState(levels.RoomLibrary, StatePreloading)
	_ = s.SetState(levels.RoomLibrary, StateLoaded)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.State(snap.Active) != StateActive {
					select {
					case errs <- snap.Active.String() + " is " + snap.State(snap.Active).String():
					default:
					}
					return
				}
			}
		}()
	}

	swap := func(from, to levels.RoomID) {
		if err := s.Update(func(tx *Tx) error {
			if err := tx.SetState(from, StateDormant); err != nil {
				return err
			}
			tx.SetActive(to)
			return tx.SetState(to, StateActive)
		}); err != nil {
			t.Error(err)
		}
	}
	for i := 0; i < 200; i++ {
		swap(levels.RoomFoyer, levels.RoomLibrary)
		swap(levels.RoomLibrary, levels.RoomFoyer)
	}
	close(stop)
	wg.Wait()
	select {
	case msg := <-errs:
		t.Fatalf("torn snapshot: %s", msg)
	default:
	}
}

func TestSnapshotResident(t *testing.T) {
	s := NewStore()
	_ = s.SetState(levels.RoomFoyer, StatePreloading)
	_ = s.SetState(levels.RoomFoyer, StateLoaded)
	_ = s.SetState(levels.RoomLibrary, StatePreloading)
	got := s.Snapshot().Resident()
	if len(got) != 1 || got[0] != levels.RoomFoyer {
		t.Fatalf("resident=%v", got)
	}
}
