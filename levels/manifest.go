package levels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/milk9111/roomstream/common"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("levels: invalid manifest")

// RoomSpec maps a room to the bundle holding its scene.
type RoomSpec struct {
	ID     RoomID `yaml:"id"`
	Title  string `yaml:"title"`
	Bundle string `yaml:"bundle"`
}

// PortalSpec is a doorway placed in From that leads to To. Zero distances
// mean "use the portal.yaml defaults".
type PortalSpec struct {
	Name               string      `yaml:"name"`
	From               RoomID      `yaml:"from"`
	To                 RoomID      `yaml:"to"`
	Position           common.Vec3 `yaml:"position"`
	Spawn              common.Pose `yaml:"spawn"`
	PreloadDistance    float64     `yaml:"preload_distance"`
	ActivationDistance float64     `yaml:"activation_distance"`
	Gate               string      `yaml:"gate"`
}

type Manifest struct {
	Start   RoomID       `yaml:"start"`
	Base    string       `yaml:"base"`
	Rooms   []RoomSpec   `yaml:"rooms"`
	Portals []PortalSpec `yaml:"portals"`

	specs [RoomCount]*RoomSpec
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		data, err := LevelsFS.ReadFile(schemaFile)
		if err != nil {
			schemaErr = fmt.Errorf("read schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaFile, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaFile)
	})
	return schema, schemaErr
}

// ParseManifest checks data against the manifest schema, decodes it and runs
// the semantic checks in Validate.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("manifest to json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("manifest to json: %w", err)
	}
	s, err := manifestSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate requires exactly one bundle per room and portals between two
// distinct valid rooms. It also builds the room lookup table.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	m.specs = [RoomCount]*RoomSpec{}
	for i := range m.Rooms {
		spec := &m.Rooms[i]
		if !spec.ID.Valid() {
			return fmt.Errorf("%w: room %d has no id", ErrInvalidManifest, i)
		}
		if strings.TrimSpace(spec.Bundle) == "" {
			return fmt.Errorf("%w: room %s has no bundle", ErrInvalidManifest, spec.ID)
		}
		if m.specs[spec.ID] != nil {
			return fmt.Errorf("%w: room %s listed twice", ErrInvalidManifest, spec.ID)
		}
		m.specs[spec.ID] = spec
	}
	for _, r := range AllRooms() {
		if m.specs[r] == nil {
			return fmt.Errorf("%w: room %s has no bundle", ErrInvalidManifest, r)
		}
	}
	if !m.Start.Valid() {
		return fmt.Errorf("%w: start room missing", ErrInvalidManifest)
	}
	for i, p := range m.Portals {
		if !p.From.Valid() || !p.To.Valid() {
			return fmt.Errorf("%w: portal %d references an unknown room", ErrInvalidManifest, i)
		}
		if p.From == p.To {
			return fmt.Errorf("%w: portal %q leads back into %s", ErrInvalidManifest, p.Name, p.From)
		}
		if p.PreloadDistance < 0 || p.ActivationDistance < 0 {
			return fmt.Errorf("%w: portal %q has a negative distance", ErrInvalidManifest, p.Name)
		}
		if p.PreloadDistance > 0 && p.ActivationDistance > p.PreloadDistance {
			return fmt.Errorf("%w: portal %q activates outside its preload range", ErrInvalidManifest, p.Name)
		}
	}
	return nil
}

// Room returns the spec for r.
func (m *Manifest) Room(r RoomID) (RoomSpec, bool) {
	if m == nil || !r.Valid() || m.specs[r] == nil {
		return RoomSpec{}, false
	}
	return *m.specs[r], true
}

// BundleURL resolves the bundle location for r against Base. Absolute URLs
// are returned untouched.
func (m *Manifest) BundleURL(r RoomID) (string, bool) {
	spec, ok := m.Room(r)
	if !ok {
		return "", false
	}
	return resolve(m.Base, spec.Bundle), true
}

// PortalsFrom lists the portals placed in room r.
func (m *Manifest) PortalsFrom(r RoomID) []PortalSpec {
	if m == nil {
		return nil
	}
	var out []PortalSpec
	for _, p := range m.Portals {
		if p.From == r {
			out = append(out, p)
		}
	}
	return out
}

// WithBase returns a copy of m resolving bundles against base instead.
func (m *Manifest) WithBase(base string) (*Manifest, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	cp := *m
	cp.Rooms = append([]RoomSpec(nil), m.Rooms...)
	cp.Portals = append([]PortalSpec(nil), m.Portals...)
	cp.Base = base
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func resolve(base, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if base == "" {
		return ref
	}
	if b, err := url.Parse(base); err == nil && b.IsAbs() {
		if !strings.HasSuffix(b.Path, "/") {
			b.Path += "/"
		}
		r, err := url.Parse(ref)
		if err != nil {
			return base + "/" + ref
		}
		return b.ResolveReference(r).String()
	}
	return path.Join(base, ref)
}
