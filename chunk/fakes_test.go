package chunk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/milk9111/roomstream/levels"
)

type fakeNode struct {
	name    string
	visible bool
}

func (n *fakeNode) SetVisible(v bool) { n.visible = v }

type fakeBundle struct {
	node     *fakeNode
	disposed atomic.Int32
}

func newFakeBundle(name string) *fakeBundle {
	return &fakeBundle{node: &fakeNode{name: name, visible: true}}
}

func (b *fakeBundle) Root() Node { return b.node }
func (b *fakeBundle) Dispose()   { b.disposed.Add(1) }

type fakeScene struct {
	attached map[Node]bool
	attaches int
	detaches int
}

func newFakeScene() *fakeScene { return &fakeScene{attached: map[Node]bool{}} }

func (s *fakeScene) Attach(n Node) { s.attached[n] = true; s.attaches++ }
func (s *fakeScene) Detach(n Node) { delete(s.attached, n); s.detaches++ }

type fakeSources map[levels.RoomID]string

func (f fakeSources) BundleURL(r levels.RoomID) (string, bool) {
	u, ok := f[r]
	return u, ok
}

func allSources() fakeSources {
	out := fakeSources{}
	for _, r := range levels.AllRooms() {
		out[r] = "bundles/" + r.String() + ".bundle"
	}
	return out
}

type loadReply struct {
	bundle Bundle
	err    error
}

type pendingLoad struct {
	url   string
	ctx   context.Context
	reply chan loadReply
}

func (p *pendingLoad) succeed(b Bundle) { p.reply <- loadReply{bundle: b} }
func (p *pendingLoad) fail(err error)   { p.reply <- loadReply{err: err} }

// fakeLoader hands every Load call to the test through requests and blocks
// until the test replies. With ignoreCancel set it keeps waiting for a reply
// even after ctx is done, which models a fetch that resolves late.
type fakeLoader struct {
	requests     chan *pendingLoad
	ignoreCancel bool

	mu    sync.Mutex
	calls map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{requests: make(chan *pendingLoad, 16), calls: map[string]int{}}
}

func (l *fakeLoader) Load(ctx context.Context, url string, progress ProgressFunc) (Bundle, error) {
	l.mu.Lock()
	l.calls[url]++
	l.mu.Unlock()

	p := &pendingLoad{url: url, ctx: ctx, reply: make(chan loadReply, 1)}
	l.requests <- p
	if progress != nil {
		progress(0, 100)
	}
	if l.ignoreCancel {
		r := <-p.reply
		return r.bundle, r.err
	}
	select {
	case r := <-p.reply:
		return r.bundle, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLoader) callCount(url string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[url]
}

func (l *fakeLoader) next(t *testing.T) *pendingLoad {
	t.Helper()
	select {
	case p := <-l.requests:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no load request")
		return nil
	}
}

func (l *fakeLoader) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-l.requests:
		t.Fatalf("unexpected load request for %s", p.url)
	case <-time.After(20 * time.Millisecond):
	}
}

// pump runs Update until cond holds.
func pump(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.Update()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

// recorder keeps every state change of every room in commit order.
type recorder struct {
	mu      sync.Mutex
	changes map[levels.RoomID][]Change
}

func record(s *Store) *recorder {
	r := &recorder{changes: map[levels.RoomID][]Change{}}
	for _, room := range levels.AllRooms() {
		room := room
		s.SubscribeRoom(room, func(c Change) {
			r.mu.Lock()
			r.changes[room] = append(r.changes[room], c)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) path(room levels.RoomID) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []State{StateUnloaded}
	for _, c := range r.changes[room] {
		out = append(out, c.To)
	}
	return out
}

func (r *recorder) checkLegal(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, cs := range r.changes {
		prev := StateUnloaded
		for _, c := range cs {
			if c.From != prev || !CanTransition(c.From, c.To) {
				t.Fatalf("room %s: illegal step %s -> %s (previous %s)", room, c.From, c.To, prev)
			}
			prev = c.To
		}
	}
}
