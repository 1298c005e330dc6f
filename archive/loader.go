package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// Revision is one immutable materialization of a bundle's content.
type Revision struct {
	BundleID     lifecycle.BundleID
	Number       int
	Location     string
	Source       string
	Root         string
	Manifest     Manifest
	LastModified time.Time

	// extracted marks Root as loader-owned scratch space removed on Close.
	extracted bool
}

// Request asks a loader to materialize a revision.
type Request struct {
	BundleID lifecycle.BundleID
	Location string
	// Source overrides Location as the place to read content from.
	Source string
	Number int
}

func (r Request) origin() string {
	if r.Source != "" {
		return r.Source
	}
	return r.Location
}

// Loader materializes revisions and releases their content.
type Loader interface {
	Materialize(ctx context.Context, req Request) (*Revision, error)
	Close(ctx context.Context, rev *Revision) error
}

// Scheme returns the URL-style scheme of a location or source, or "" when it has none.
func Scheme(location string) string {
	if i := strings.Index(location, "://"); i > 0 {
		return strings.ToLower(location[:i])
	}
	return ""
}

// Mux routes requests to loaders by scheme.
type Mux struct {
	mu       sync.RWMutex
	loaders  map[string]Loader
	fallback Loader
}

// NewMux creates a mux; fallback serves sources without a registered scheme.
func NewMux(fallback Loader) *Mux {
	return &Mux{loaders: make(map[string]Loader), fallback: fallback}
}

// Handle registers a loader for a scheme such as "mem" or "file".
func (m *Mux) Handle(scheme string, l Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaders[strings.ToLower(scheme)] = l
}

func (m *Mux) route(origin string) (Loader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.loaders[Scheme(origin)]; ok {
		return l, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, origin)
}

// Materialize implements Loader.
func (m *Mux) Materialize(ctx context.Context, req Request) (*Revision, error) {
	l, err := m.route(req.origin())
	if err != nil {
		return nil, err
	}
	return l.Materialize(ctx, req)
}

// Close implements Loader.
func (m *Mux) Close(ctx context.Context, rev *Revision) error {
	if rev == nil {
		return nil
	}
	origin := rev.Source
	if origin == "" {
		origin = rev.Location
	}
	l, err := m.route(origin)
	if err != nil {
		return err
	}
	return l.Close(ctx, rev)
}

// MemoryLoader serves bundles whose manifests are registered in process under "mem://"
// locations. It backs statically linked bundles.
type MemoryLoader struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
}

// NewMemoryLoader creates an empty in-memory loader.
func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{manifests: make(map[string]Manifest)}
}

// Register makes a manifest available under location.
func (l *MemoryLoader) Register(location string, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[location] = m
	return nil
}

// Materialize implements Loader.
func (l *MemoryLoader) Materialize(ctx context.Context, req Request) (*Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	m, ok := l.manifests[req.origin()]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMemoryLocation, req.origin())
	}
	return &Revision{
		BundleID:     req.BundleID,
		Number:       req.Number,
		Location:     req.Location,
		Source:       req.Source,
		Manifest:     m,
		LastModified: time.Now(),
	}, nil
}

// Close implements Loader. In-memory revisions hold no external resources.
func (l *MemoryLoader) Close(context.Context, *Revision) error { return nil }

// FileLoader serves bundles from directories containing a manifest and from zip
// archives, which are extracted under CacheDir per bundle and revision.
type FileLoader struct {
	CacheDir string
}

// NewFileLoader creates a loader extracting archives below cacheDir.
func NewFileLoader(cacheDir string) *FileLoader {
	return &FileLoader{CacheDir: cacheDir}
}

// Materialize implements Loader.
func (l *FileLoader) Materialize(ctx context.Context, req Request) (*Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(req.origin(), "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat bundle source %s: %w", path, err)
	}

	rev := &Revision{
		BundleID:     req.BundleID,
		Number:       req.Number,
		Location:     req.Location,
		Source:       req.Source,
		LastModified: info.ModTime(),
	}
	switch {
	case info.IsDir():
		rev.Root = path
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		root := l.revisionDir(req.BundleID, req.Number)
		if err := extractZip(path, root); err != nil {
			_ = os.RemoveAll(root)
			return nil, err
		}
		rev.Root = root
		rev.extracted = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
	}

	m, err := FindManifest(rev.Root)
	if err != nil {
		if rev.extracted {
			_ = os.RemoveAll(rev.Root)
		}
		return nil, err
	}
	rev.Manifest = m
	return rev, nil
}

// Close implements Loader and removes extracted content.
func (l *FileLoader) Close(_ context.Context, rev *Revision) error {
	if rev == nil || !rev.extracted {
		return nil
	}
	if err := os.RemoveAll(rev.Root); err != nil {
		return fmt.Errorf("remove revision content %s: %w", rev.Root, err)
	}
	return nil
}

func (l *FileLoader) revisionDir(id lifecycle.BundleID, number int) string {
	return filepath.Join(l.CacheDir, fmt.Sprintf("bundle%d", id), fmt.Sprintf("revision%d", number))
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open bundle archive %s: %w", src, err)
	}
	defer r.Close()

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchivePath, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
