package prefabs

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed scripts/*.tengo
var ScriptsFS embed.FS

//go:embed *.yaml
var PrefabsFS embed.FS

// Dir is the on-disk override directory checked before the embedded copies.
var Dir = "prefabs"

// Load returns a prefab file, preferring the on-disk copy so edits are picked
// up by the watcher without a rebuild.
func Load(name string) ([]byte, error) {
	clean := cleanPrefabPath(name)
	if data, err := os.ReadFile(diskPath(clean)); err == nil {
		return data, nil
	}
	return PrefabsFS.ReadFile(clean)
}

// LoadScript returns a gate script from prefabs/scripts.
func LoadScript(name string) ([]byte, error) {
	clean := cleanScriptPath(name)
	if data, err := os.ReadFile(diskPath(clean)); err == nil {
		return data, nil
	}
	return ScriptsFS.ReadFile(clean)
}

// ModTime reports when the on-disk copy of name was last written. ok is false
// when there is no disk copy and the embedded one is in use.
func ModTime(name string) (time.Time, bool) {
	info, err := os.Stat(diskPath(cleanPrefabPath(name)))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Stamps remembers the last mod time seen per prefab so editors that touch a
// file without changing it, or fire several events per save, do not trigger
// repeated reloads.
type Stamps struct {
	seen map[string]time.Time
}

// Changed reports whether name differs from the last time Changed was asked
// about it. A file that disappeared counts as changed since the embedded copy
// takes over.
func (s *Stamps) Changed(name string) bool {
	key := cleanPrefabPath(name)
	mod, ok := ModTime(name)
	if !ok {
		_, had := s.seen[key]
		delete(s.seen, key)
		return had
	}
	if s.seen == nil {
		s.seen = make(map[string]time.Time)
	}
	if prev, had := s.seen[key]; had && prev.Equal(mod) {
		return false
	}
	s.seen[key] = mod
	return true
}

func cleanPrefabPath(path string) string {
	if path == "" {
		return ""
	}
	s := filepath.ToSlash(path)
	if after, ok := strings.CutPrefix(s, "prefabs/"); ok {
		return after
	}
	return s
}

func cleanScriptPath(path string) string {
	if path == "" {
		return ""
	}
	s := filepath.ToSlash(path)
	if after, ok := strings.CutPrefix(s, "prefabs/"); ok {
		s = after
	}
	if after, ok := strings.CutPrefix(s, "scripts/"); ok {
		s = after
	}
	return "scripts/" + s
}

func diskPath(clean string) string {
	return filepath.Join(Dir, filepath.FromSlash(clean))
}
