package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/milk9111/roomstream/common"
	"golang.org/x/image/colornames"
	"gopkg.in/yaml.v3"
)

var ErrInvalidScene = errors.New("bundle: invalid scene")

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

const maxDecodedSize = 64 << 20

// Node kinds.
const (
	KindGroup = "group"
	KindMesh  = "mesh"
	KindLight = "light"
)

// Scene is the decoded payload of a bundle.
type Scene struct {
	Name  string     `yaml:"name"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec is one scene node. Position is relative to the parent.
type NodeSpec struct {
	Name     string      `yaml:"name"`
	Kind     string      `yaml:"kind"`
	Position common.Vec3 `yaml:"position"`
	Size     common.Vec3 `yaml:"size,omitempty"`
	Color    string      `yaml:"color,omitempty"`
	Children []NodeSpec  `yaml:"children,omitempty"`
}

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Decode parses a bundle payload, inflating it first when it is zstd
// compressed.
func Decode(data []byte) (*Scene, error) {
	if IsCompressed(data) {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, fmt.Errorf("bundle: zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("bundle: zstd decode: %w", err)
		}
		data = out
	}

	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal scene: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Encode writes s as YAML, zstd compressed when compress is set.
func Encode(s *Scene, compress bool) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("bundle: marshal scene: %w", err)
	}
	if !compress {
		return data, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("bundle: zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (s *Scene) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidScene)
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: %s has no nodes", ErrInvalidScene, s.Name)
	}
	return validateNodes(s.Nodes, s.Name)
}

func validateNodes(nodes []NodeSpec, parent string) error {
	for i, n := range nodes {
		where := fmt.Sprintf("%s/%s", parent, n.Name)
		if n.Name == "" {
			return fmt.Errorf("%w: %s: node %d has no name", ErrInvalidScene, parent, i)
		}
		switch n.Kind {
		case KindGroup, KindLight:
		case KindMesh:
			if n.Size.X <= 0 || n.Size.Z <= 0 {
				return fmt.Errorf("%w: %s: mesh needs a positive size", ErrInvalidScene, where)
			}
		default:
			return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidScene, where, n.Kind)
		}
		if n.Color != "" {
			if _, err := ParseColor(n.Color); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidScene, where, err)
			}
		}
		if err := validateNodes(n.Children, where); err != nil {
			return err
		}
	}
	return nil
}

// ParseColor accepts an SVG color name or #rrggbb.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := colornames.Map[s]; ok {
		return c, nil
	}
	if hex, ok := strings.CutPrefix(s, "#"); ok && len(hex) == 6 {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err == nil {
			return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
		}
	}
	return color.RGBA{}, fmt.Errorf("unknown color %q", s)
}

// Count returns the number of nodes in the scene.
func (s *Scene) Count() int {
	var count func([]NodeSpec) int
	count = func(ns []NodeSpec) int {
		n := len(ns)
		for _, c := range ns {
			n += count(c.Children)
		}
		return n
	}
	return count(s.Nodes)
}
