package bundle

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/milk9111/roomstream/bundle"

// PixelsPerUnit converts mesh footprints to texture sizes.
const PixelsPerUnit = 8

const maxBundleSize = 32 << 20

// Allocator owns GPU textures for mesh nodes.
type Allocator interface {
	Allocate(name string, w, h int, c color.RGBA) (any, error)
	Release(tex any)
}

type Option func(*Loader)

func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		if c != nil {
			l.client = c
		}
	}
}

func WithLogger(lg logging.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.log = lg
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) {
		if t != nil {
			l.tracer = t
		}
	}
}

// Loader fetches bundles over HTTP or from a file system and builds their
// scene nodes. It implements chunk.Loader.
type Loader struct {
	fsys   fs.FS
	alloc  Allocator
	client *http.Client
	tracer trace.Tracer
	log    logging.Logger
}

// NewLoader resolves non-HTTP URLs against fsys. A nil alloc builds nodes
// without textures.
func NewLoader(fsys fs.FS, alloc Allocator, opts ...Option) *Loader {
	l := &Loader{
		fsys:   fsys,
		alloc:  alloc,
		client: http.DefaultClient,
		tracer: otel.Tracer(tracerName),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(logging.String("component", "bundle"))
	return l
}

func (l *Loader) Load(ctx context.Context, url string, progress chunk.ProgressFunc) (_ chunk.Bundle, err error) {
	ctx, span := l.tracer.Start(ctx, "bundle.Load", trace.WithAttributes(attribute.String("bundle.url", url)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	data, err := l.fetch(ctx, url, progress)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("bundle.bytes", len(data)), attribute.Bool("bundle.compressed", IsCompressed(data)))

	scene, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", url, err)
	}
	b, err := l.build(ctx, scene)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("bundle.nodes", scene.Count()), attribute.Int("bundle.textures", len(b.textures)))
	l.log.Debug(ctx, "bundle built", logging.String("url", url), logging.String("scene", scene.Name), logging.Int("textures", len(b.textures)))
	return b, nil
}

func (l *Loader) fetch(ctx context.Context, url string, progress chunk.ProgressFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		body  io.ReadCloser
		total int64 = -1
	)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("bundle: request %s: %w", url, err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("bundle: GET %s: %w", url, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("bundle: GET %s: %s", url, resp.Status)
		}
		body, total = resp.Body, resp.ContentLength
	} else {
		if l.fsys == nil {
			return nil, fmt.Errorf("bundle: no file system for %s", url)
		}
		name := path.Clean(strings.TrimPrefix(strings.TrimPrefix(url, "file://"), "/"))
		f, err := l.fsys.Open(name)
		if err != nil {
			return nil, fmt.Errorf("bundle: open %s: %w", name, err)
		}
		if info, err := f.Stat(); err == nil {
			total = info.Size()
		}
		body = f
	}
	defer body.Close()

	if total > maxBundleSize {
		return nil, fmt.Errorf("bundle: %s is %d bytes, limit %d", url, total, maxBundleSize)
	}
	r := &progressReader{ctx: ctx, r: io.LimitReader(body, maxBundleSize+1), total: total, fn: progress}
	data, err := io.ReadAll(r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("bundle: read %s: %w", url, err)
	}
	if len(data) > maxBundleSize {
		return nil, fmt.Errorf("bundle: %s exceeds %d bytes", url, maxBundleSize)
	}
	return data, nil
}

// build turns the scene into nodes, allocating a texture per mesh. Anything
// allocated is released again if ctx ends or an allocation fails.
func (l *Loader) build(ctx context.Context, scene *Scene) (b *Bundle, err error) {
	b = &Bundle{Name: scene.Name, alloc: l.alloc}
	defer func() {
		if err != nil {
			b.Dispose()
			b = nil
		}
	}()

	var buildNode func(spec NodeSpec, origin common.Vec3) (*Node, error)
	buildNode = func(spec NodeSpec, origin common.Vec3) (*Node, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := &Node{
			Name:     spec.Name,
			Kind:     spec.Kind,
			Position: origin.Add(spec.Position),
			Size:     spec.Size,
			visible:  true,
		}
		if spec.Color != "" {
			n.Color, _ = ParseColor(spec.Color)
		} else {
			n.Color = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
		}
		if spec.Kind == KindMesh && l.alloc != nil {
			w := max(1, int(spec.Size.X*PixelsPerUnit))
			h := max(1, int(spec.Size.Z*PixelsPerUnit))
			tex, err := l.alloc.Allocate(scene.Name+"/"+spec.Name, w, h, n.Color)
			if err != nil {
				return nil, fmt.Errorf("bundle: allocate %s/%s: %w", scene.Name, spec.Name, err)
			}
			n.Texture = tex
			b.textures = append(b.textures, tex)
		}
		for _, c := range spec.Children {
			child, err := buildNode(c, n.Position)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
		return n, nil
	}

	root := &Node{Name: scene.Name, Kind: KindGroup, visible: true}
	for _, spec := range scene.Nodes {
		n, err := buildNode(spec, common.Vec3{})
		if err != nil {
			return b, err
		}
		root.Children = append(root.Children, n)
	}
	b.root = root
	return b, nil
}

// Bundle is a loaded room scene and the textures backing it.
type Bundle struct {
	Name     string
	root     *Node
	alloc    Allocator
	textures []any
	once     sync.Once
}

func (b *Bundle) Root() chunk.Node {
	if b.root == nil {
		return nil
	}
	return b.root
}

// Scene returns the root node.
func (b *Bundle) Scene() *Node { return b.root }

// Textures reports how many textures the bundle holds.
func (b *Bundle) Textures() int { return len(b.textures) }

// Dispose releases every texture. Later calls do nothing.
func (b *Bundle) Dispose() {
	b.once.Do(func() {
		if b.alloc != nil {
			for _, tex := range b.textures {
				b.alloc.Release(tex)
			}
		}
		b.textures = nil
	})
}

type progressReader struct {
	ctx   context.Context
	r     io.Reader
	read  int64
	total int64
	fn    chunk.ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.read, p.total)
	}
	if errors.Is(err, io.EOF) && p.fn != nil && p.total < 0 {
		p.fn(p.read, p.read)
	}
	return n, err
}
