// Command bundlepack validates room scenes and writes them as bundles,
// zstd compressed unless -raw is given.
//
//	bundlepack -in assets/bundles/foyer.bundle -out dist/foyer.bundle
//	bundlepack -in assets/bundles -out dist
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/milk9111/roomstream/bundle"
)

func main() {
	in := flag.String("in", "", "scene file or directory of .bundle files")
	out := flag.String("out", "", "output file, or directory when -in is a directory")
	raw := flag.Bool("raw", false, "write plain YAML instead of zstd")
	flag.Parse()

	if *in == "" || *out == "" {
		flag.Usage()
		os.Exit(2)
	}

	info, err := os.Stat(*in)
	if err != nil {
		log.Fatal(err)
	}
	if !info.IsDir() {
		if err := pack(*in, *out, !*raw); err != nil {
			log.Fatal(err)
		}
		return
	}

	files, err := filepath.Glob(filepath.Join(*in, "*.bundle"))
	if err != nil {
		log.Fatal(err)
	}
	if len(files) == 0 {
		log.Fatalf("no .bundle files in %s", *in)
	}
	failed := 0
	for _, f := range files {
		if err := pack(f, filepath.Join(*out, filepath.Base(f)), !*raw); err != nil {
			log.Printf("%v", err)
			failed++
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d bundles failed", failed, len(files))
	}
}

// pack decodes src, which may already be compressed, and writes it to dst.
func pack(src, dst string, compress bool) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	scene, err := bundle.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	out, err := bundle.Encode(scene, compress)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return err
	}
	log.Printf("%s -> %s (%d nodes, %d -> %d bytes%s)", src, dst, scene.Count(), len(data), len(out), map[bool]string{true: ", zstd"}[compress])
	return nil
}
