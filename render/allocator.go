package render

import (
	"fmt"
	"image/color"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
)

// Allocator backs mesh textures with ebiten images.
type Allocator struct {
	live atomic.Int64
}

func (a *Allocator) Allocate(name string, w, h int, c color.RGBA) (any, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: texture %s: bad size %dx%d", name, w, h)
	}
	img := ebiten.NewImage(w, h)
	img.Fill(c)
	a.live.Add(1)
	return img, nil
}

func (a *Allocator) Release(tex any) {
	img, ok := tex.(*ebiten.Image)
	if !ok || img == nil {
		return
	}
	img.Deallocate()
	a.live.Add(-1)
}

// Live is the number of textures allocated and not yet released.
func (a *Allocator) Live() int64 { return a.live.Load() }
