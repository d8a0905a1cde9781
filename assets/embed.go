package assets

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed bundles/*.bundle
var assetsFS embed.FS

// FS returns the file system room bundles are served from. When dir exists on
// disk it wins over the embedded copy so rooms can be edited without a
// rebuild. Paths inside either are of the form "bundles/<room>.bundle".
func FS(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return assetsFS
}

// Embedded returns the bundles compiled into the binary.
func Embedded() fs.FS { return assetsFS }
