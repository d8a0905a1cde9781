package render

import (
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/milk9111/roomstream/bundle"
	"github.com/milk9111/roomstream/common"
)

// DrawFade covers the screen with c at the given opacity.
func DrawFade(screen *ebiten.Image, opacity float64, c color.RGBA) {
	opacity = common.Clamp01(opacity)
	if opacity == 0 {
		return
	}
	a := opacity * float64(c.A) / 255
	cover := color.RGBA{
		R: uint8(float64(c.R) * a),
		G: uint8(float64(c.G) * a),
		B: uint8(float64(c.B) * a),
		A: uint8(255 * a),
	}
	b := screen.Bounds()
	vector.FillRect(screen, 0, 0, float32(b.Dx()), float32(b.Dy()), cover, false)
}

// FadeColor parses a fade color name, falling back to black.
func FadeColor(name string) color.RGBA {
	if c, err := bundle.ParseColor(name); err == nil {
		return c
	}
	return color.RGBA{A: 0xff}
}
