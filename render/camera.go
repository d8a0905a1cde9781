package render

import (
	"math"

	"github.com/milk9111/roomstream/common"
)

// Camera follows a world position on the X/Z plane with optional smoothing.
// Pos is kept unrounded; View aligns it to whole screen pixels for drawing.
type Camera struct {
	Pos common.Vec3

	zoom float64
	// smooth is the fraction of the remaining distance covered per Update;
	// zero snaps.
	smooth float64
}

func NewCamera(zoom float64) *Camera {
	return &Camera{zoom: zoom, smooth: 0.15}
}

func (c *Camera) SetSmooth(f float64) {
	c.smooth = common.Clamp01(f)
}

func (c *Camera) Zoom() float64 { return c.zoom }

// Update moves the camera toward target. Call once per tick. Once the gap is
// under one screen pixel the camera lands on target.
func (c *Camera) Update(target common.Vec3) {
	d := target.Sub(c.Pos)
	if c.smooth <= 0 || d.Len()*c.zoom < 1 {
		c.Pos = target
		return
	}
	c.Pos = c.Pos.Add(d.Scale(c.smooth))
}

// SnapTo places the camera on target immediately, e.g. after a room change.
func (c *Camera) SnapTo(target common.Vec3) {
	c.Pos = target
}

// View is the camera position aligned to whole screen pixels.
func (c *Camera) View() common.Vec3 {
	v := c.Pos
	if c.zoom == 0 {
		return v
	}
	v.X = math.Round(v.X*c.zoom) / c.zoom
	v.Z = math.Round(v.Z*c.zoom) / c.zoom
	return v
}
