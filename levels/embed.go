package levels

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed rooms.yaml manifest.schema.json
var LevelsFS embed.FS

const (
	manifestFile = "rooms.yaml"
	schemaFile   = "manifest.schema.json"
)

// LoadManifest reads levels/rooms.yaml from disk when present so the manifest
// can be edited without a rebuild, falling back to the embedded copy.
func LoadManifest() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join("levels", manifestFile))
	if err != nil {
		data, err = LevelsFS.ReadFile(manifestFile)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
	}
	return ParseManifest(data)
}

// LoadManifestFile parses the manifest at path.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}
