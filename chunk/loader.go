package chunk

import (
	"context"

	"github.com/milk9111/roomstream/levels"
)

// Node is a scene subtree that can be hidden without being released.
type Node interface {
	SetVisible(visible bool)
}

// Bundle is a loaded room: its scene subtree plus the GPU resources backing
// it. Dispose must be safe to call more than once.
type Bundle interface {
	Root() Node
	Dispose()
}

// ProgressFunc reports bytes read so far and the expected total (-1 when
// unknown). It may be called from the loading goroutine.
type ProgressFunc func(read, total int64)

// Loader fetches and builds a bundle. It must stop promptly once ctx is done
// and release anything it built before returning an error.
type Loader interface {
	Load(ctx context.Context, url string, progress ProgressFunc) (Bundle, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, url string, progress ProgressFunc) (Bundle, error)

func (f LoaderFunc) Load(ctx context.Context, url string, progress ProgressFunc) (Bundle, error) {
	return f(ctx, url, progress)
}

// Sources maps rooms to bundle locations. *levels.Manifest satisfies it.
type Sources interface {
	BundleURL(r levels.RoomID) (string, bool)
}

// Scene is the single attach point room subtrees are added to.
type Scene interface {
	Attach(n Node)
	Detach(n Node)
}
