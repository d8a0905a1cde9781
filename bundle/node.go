package bundle

import (
	"image/color"

	"github.com/milk9111/roomstream/common"
)

// Node is a built scene node. Position is in world space.
type Node struct {
	Name     string
	Kind     string
	Position common.Vec3
	Size     common.Vec3
	Color    color.RGBA
	// Texture is whatever the Allocator returned for a mesh, nil otherwise.
	Texture  any
	Children []*Node

	visible bool
}

func (n *Node) SetVisible(v bool) { n.visible = v }
func (n *Node) Visible() bool     { return n.visible }

// Walk visits n and its descendants depth-first until fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}
