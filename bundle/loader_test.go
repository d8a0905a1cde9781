package bundle

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
)

const libraryScene = `
name: library
nodes:
  - name: floor
    kind: mesh
    position: {x: 0, y: 0, z: 0}
    size: {x: 20, y: 0.1, z: 16}
    color: saddlebrown
  - name: shelves
    kind: group
    position: {x: 4, y: 0, z: 2}
    children:
      - name: shelf_a
        kind: mesh
        position: {x: 1, y: 0, z: 0}
        size: {x: 1, y: 3, z: 6}
        color: "#553311"
      - name: lamp
        kind: light
        position: {x: 0, y: 3, z: 0}
`

type fakeAllocator struct {
	mu       sync.Mutex
	live     map[string]bool
	allocs   int
	failAt   int
	onAlloc  func(n int)
	released int
}

func newFakeAllocator() *fakeAllocator { return &fakeAllocator{live: map[string]bool{}} }

func (a *fakeAllocator) Allocate(name string, w, h int, _ color.RGBA) (any, error) {
	a.mu.Lock()
	a.allocs++
	n := a.allocs
	a.mu.Unlock()
	if a.onAlloc != nil {
		a.onAlloc(n)
	}
	if a.failAt > 0 && n == a.failAt {
		return nil, errors.New("out of texture memory")
	}
	a.mu.Lock()
	a.live[name] = true
	a.mu.Unlock()
	return name, nil
}

func (a *fakeAllocator) Release(tex any) {
	a.mu.Lock()
	delete(a.live, tex.(string))
	a.released++
	a.mu.Unlock()
}

func (a *fakeAllocator) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func mustEncode(t *testing.T, compress bool) []byte {
	t.Helper()
	s, err := Decode([]byte(libraryScene))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(s, compress)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestLoadFromFS(t *testing.T) {
	fsys := fstest.MapFS{"bundles/library.bundle": {Data: []byte(libraryScene)}}
	alloc := newFakeAllocator()
	l := NewLoader(fsys, alloc)

	var last, total int64
	got, err := l.Load(context.Background(), "bundles/library.bundle", func(r, t int64) { last, total = r, t })
	if err != nil {
		t.Fatal(err)
	}
	if last != int64(len(libraryScene)) || total != int64(len(libraryScene)) {
		t.Fatalf("progress=%d/%d", last, total)
	}
	b := got.(*Bundle)
	if b.Textures() != 2 || alloc.liveCount() != 2 {
		t.Fatalf("textures=%d live=%d", b.Textures(), alloc.liveCount())
	}

	var shelf *Node
	b.Scene().Walk(func(n *Node) bool {
		if n.Name == "shelf_a" {
			shelf = n
			return false
		}
		return true
	})
	if shelf == nil || shelf.Position != (common.Vec3{X: 5, Z: 2}) {
		t.Fatalf("shelf=%+v", shelf)
	}
	if shelf.Color != (color.RGBA{R: 0x55, G: 0x33, B: 0x11, A: 0xff}) {
		t.Fatalf("color=%v", shelf.Color)
	}

	var _ chunk.Node = b.Scene()
	b.Dispose()
	b.Dispose()
	if alloc.liveCount() != 0 || alloc.released != 2 {
		t.Fatalf("live=%d released=%d", alloc.liveCount(), alloc.released)
	}
}

func TestLoadCompressedOverHTTP(t *testing.T) {
	payload := mustEncode(t, true)
	if !IsCompressed(payload) {
		t.Fatalf("payload not compressed")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bundles/library.bundle" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	l := NewLoader(nil, newFakeAllocator(), WithHTTPClient(srv.Client()))
	got, err := l.Load(context.Background(), srv.URL+"/bundles/library.bundle", nil)
	if err != nil {
		t.Fatal(err)
	}
	if b := got.(*Bundle); b.Name != "library" || b.Textures() != 2 {
		t.Fatalf("bundle=%s textures=%d", b.Name, b.Textures())
	}

	_, err = l.Load(context.Background(), srv.URL+"/bundles/missing.bundle", nil)
	if err == nil || errors.Is(chunk.ClassifyLoadError(err), chunk.ErrLoadAborted) {
		t.Fatalf("404 err=%v", err)
	}
}

func TestLoadCancelledDuringFetch(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoader(nil, newFakeAllocator(), WithHTTPClient(srv.Client()))
	errc := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, srv.URL+"/bundles/slow.bundle", nil)
		errc <- err
	}()
	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
		if !errors.Is(chunk.ClassifyLoadError(err), chunk.ErrLoadAborted) {
			t.Fatalf("cancel classified as failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("load did not stop after cancel")
	}
}

func TestCancelDuringBuildReleasesTextures(t *testing.T) {
	fsys := fstest.MapFS{"library.bundle": {Data: []byte(libraryScene)}}
	ctx, cancel := context.WithCancel(context.Background())
	alloc := newFakeAllocator()
	alloc.onAlloc = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	l := NewLoader(fsys, alloc)

	b, err := l.Load(ctx, "library.bundle", nil)
	if !errors.Is(err, context.Canceled) || b != nil {
		t.Fatalf("bundle=%v err=%v", b, err)
	}
	if alloc.liveCount() != 0 {
		t.Fatalf("%d textures leaked", alloc.liveCount())
	}
}

func TestAllocationFailureReleasesTextures(t *testing.T) {
	fsys := fstest.MapFS{"library.bundle": {Data: []byte(libraryScene)}}
	alloc := newFakeAllocator()
	alloc.failAt = 2
	l := NewLoader(fsys, alloc)

	if _, err := l.Load(context.Background(), "library.bundle", nil); err == nil {
		t.Fatalf("expected error")
	}
	if alloc.liveCount() != 0 || alloc.released != 1 {
		t.Fatalf("live=%d released=%d", alloc.liveCount(), alloc.released)
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader(fstest.MapFS{}, nil)
	_, err := l.Load(context.Background(), "bundles/nowhere.bundle", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(chunk.ClassifyLoadError(err), chunk.ErrLoadFailed) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeRejectsBadScenes(t *testing.T) {
	tests := map[string]string{
		"no name":       "nodes: [{name: a, kind: group}]",
		"no nodes":      "name: x",
		"bad kind":      "name: x\nnodes: [{name: a, kind: sphere}]",
		"flat mesh":     "name: x\nnodes: [{name: a, kind: mesh}]",
		"bad color":     "name: x\nnodes: [{name: a, kind: group, color: notacolor}]",
		"unnamed child": "name: x\nnodes: [{name: a, kind: group, children: [{kind: light}]}]",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(src)); !errors.Is(err, ErrInvalidScene) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestParseColor(t *testing.T) {
	if c, err := ParseColor("Black"); err != nil || c != (color.RGBA{A: 0xff}) {
		t.Fatalf("black=%v err=%v", c, err)
	}
	if _, err := ParseColor("#12345"); err == nil {
		t.Fatalf("short hex accepted")
	}
}
