package assets_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/milk9111/roomstream/assets"
	"github.com/milk9111/roomstream/bundle"
	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/levels"
)

func decodeRoom(t *testing.T, m *levels.Manifest, room levels.RoomID) *bundle.Scene {
	t.Helper()
	url, ok := m.BundleURL(room)
	if !ok {
		t.Fatalf("%s has no bundle", room)
	}
	data, err := fs.ReadFile(assets.Embedded(), url)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	scene, err := bundle.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return scene
}

func onFloor(scene *bundle.Scene, p common.Vec3) bool {
	for _, n := range scene.Nodes {
		if n.Name != "floor" {
			continue
		}
		if p.X >= n.Position.X && p.X <= n.Position.X+n.Size.X &&
			p.Z >= n.Position.Z && p.Z <= n.Position.Z+n.Size.Z {
			return true
		}
	}
	return false
}

func TestEveryRoomHasABundle(t *testing.T) {
	m, err := levels.LoadManifest()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range levels.AllRooms() {
		scene := decodeRoom(t, m, r)
		if scene.Name != r.String() {
			t.Errorf("%s bundle is named %q", r, scene.Name)
		}
	}
}

func TestPortalsLandOnFloors(t *testing.T) {
	m, err := levels.LoadManifest()
	if err != nil {
		t.Fatal(err)
	}
	scenes := map[levels.RoomID]*bundle.Scene{}
	for _, r := range levels.AllRooms() {
		scenes[r] = decodeRoom(t, m, r)
	}
	for _, r := range levels.AllRooms() {
		for _, p := range m.PortalsFrom(r) {
			if !onFloor(scenes[p.From], p.Position) {
				t.Errorf("%s: portal off the %s floor at %+v", p.Name, p.From, p.Position)
			}
			if !onFloor(scenes[p.To], p.Spawn.Position) {
				t.Errorf("%s: spawn off the %s floor at %+v", p.Name, p.To, p.Spawn.Position)
			}
		}
	}
}

func TestFSPrefersDiskDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bundles"), 0o755); err != nil {
		t.Fatal(err)
	}
	edited := []byte("name: foyer\nnodes:\n  - name: floor\n    kind: mesh\n    size: {x: 2, y: 0, z: 2}\n")
	if err := os.WriteFile(filepath.Join(dir, "bundles", "foyer.bundle"), edited, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(assets.FS(dir), "bundles/foyer.bundle")
	if err != nil || string(got) != string(edited) {
		t.Fatalf("disk copy not served: %q %v", got, err)
	}

	if _, err := fs.ReadFile(assets.FS(filepath.Join(dir, "missing")), "bundles/library.bundle"); err != nil {
		t.Fatalf("embedded fallback: %v", err)
	}
}
