package render

import (
	"image/color"
	"slices"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/milk9111/roomstream/bundle"
	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
	"golang.org/x/image/colornames"
)

// Scene is the attach point for room subtrees. It draws attached rooms from
// above, projecting world X/Z onto the screen around a camera position.
type Scene struct {
	roots []*bundle.Node
	// Zoom is screen pixels per world unit.
	Zoom float64
}

func NewScene() *Scene {
	return &Scene{Zoom: bundle.PixelsPerUnit}
}

func (s *Scene) Attach(n chunk.Node) {
	bn, ok := n.(*bundle.Node)
	if !ok || slices.Contains(s.roots, bn) {
		return
	}
	s.roots = append(s.roots, bn)
}

func (s *Scene) Detach(n chunk.Node) {
	bn, ok := n.(*bundle.Node)
	if !ok {
		return
	}
	s.roots = slices.DeleteFunc(s.roots, func(r *bundle.Node) bool { return r == bn })
}

// Attached returns the number of attached room roots.
func (s *Scene) Attached() int { return len(s.roots) }

// Draw renders every visible room, then the player marker.
func (s *Scene) Draw(screen *ebiten.Image, camera, player common.Vec3) {
	w, h := screen.Bounds().Dx(), screen.Bounds().Dy()
	ox := float64(w)/2 - camera.X*s.Zoom
	oy := float64(h)/2 - camera.Z*s.Zoom

	for _, root := range s.roots {
		if !root.Visible() {
			continue
		}
		root.Walk(func(n *bundle.Node) bool {
			s.drawNode(screen, n, ox, oy)
			return true
		})
	}

	px := float32(ox + player.X*s.Zoom)
	py := float32(oy + player.Z*s.Zoom)
	vector.FillRect(screen, px-4, py-4, 8, 8, colornames.Crimson, false)
}

func (s *Scene) drawNode(screen *ebiten.Image, n *bundle.Node, ox, oy float64) {
	x := ox + n.Position.X*s.Zoom
	y := oy + n.Position.Z*s.Zoom
	switch n.Kind {
	case bundle.KindMesh:
		if img, ok := n.Texture.(*ebiten.Image); ok {
			op := &ebiten.DrawImageOptions{}
			b := img.Bounds()
			op.GeoM.Scale(n.Size.X*s.Zoom/float64(b.Dx()), n.Size.Z*s.Zoom/float64(b.Dy()))
			op.GeoM.Translate(x, y)
			screen.DrawImage(img, op)
			return
		}
		vector.FillRect(screen, float32(x), float32(y), float32(n.Size.X*s.Zoom), float32(n.Size.Z*s.Zoom), n.Color, false)
	case bundle.KindLight:
		vector.StrokeRect(screen, float32(x)-3, float32(y)-3, 6, 6, 1, color.RGBA{R: 255, G: 240, B: 160, A: 220}, false)
	}
}
