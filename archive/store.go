package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// PersistentState is the start intent recorded for a bundle across restarts.
type PersistentState int

const (
	PersistentInactive PersistentState = iota
	PersistentActive
	PersistentUninstalled
)

var persistentNames = [...]string{"INACTIVE", "ACTIVE", "UNINSTALLED"}

func (s PersistentState) String() string {
	if int(s) >= 0 && int(s) < len(persistentNames) {
		return persistentNames[s]
	}
	return "PersistentState(" + strconv.Itoa(int(s)) + ")"
}

// ParsePersistentState parses the upper-case state name.
func ParsePersistentState(name string) (PersistentState, error) {
	for i, n := range persistentNames {
		if strings.EqualFold(n, name) {
			return PersistentState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown persistent state %q", name)
}

// MarshalYAML writes the state by name.
func (s PersistentState) MarshalYAML() (interface{}, error) { return s.String(), nil }

// UnmarshalYAML reads the state by name.
func (s *PersistentState) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParsePersistentState(value.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record is the persisted view of one bundle.
type Record struct {
	ID              lifecycle.BundleID `yaml:"id"`
	Location        string             `yaml:"location"`
	Source          string             `yaml:"source,omitempty"`
	PersistentState PersistentState    `yaml:"persistent_state"`
	LastModified    time.Time          `yaml:"last_modified"`
	Revision        int                `yaml:"revision"`
}

// Store persists bundle records and the id counter.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id lifecycle.BundleID) error
	Load(ctx context.Context) ([]Record, error)
	NextID(ctx context.Context) (lifecycle.BundleID, error)
	SetNextID(ctx context.Context, id lifecycle.BundleID) error
	Clean(ctx context.Context) error
}

// MemoryStore keeps records in process; nothing survives the process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[lifecycle.BundleID]Record
	nextID  lifecycle.BundleID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[lifecycle.BundleID]Record), nextID: 1}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id lifecycle.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Load(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) NextID(context.Context) (lifecycle.BundleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

func (s *MemoryStore) SetNextID(_ context.Context, id lifecycle.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = id
	return nil
}

func (s *MemoryStore) Clean(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[lifecycle.BundleID]Record)
	s.nextID = 1
	return nil
}

const (
	recordFile    = "state.yaml"
	frameworkFile = "framework.yaml"
	bundleDirFmt  = "bundle%d"
)

type frameworkRecord struct {
	NextBundleID lifecycle.BundleID `yaml:"next_bundle_id"`
}

// FileStore persists records as YAML under Dir: one bundle<id>/state.yaml per bundle
// and framework.yaml for the id counter. Deleting a record removes the whole bundle
// directory, including revisions extracted there by a FileLoader sharing Dir.
type FileStore struct {
	Dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{Dir: dir} }

func (s *FileStore) bundleDir(id lifecycle.BundleID) string {
	return filepath.Join(s.Dir, fmt.Sprintf(bundleDirFmt, id))
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.bundleDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir %s: %w", dir, err)
	}
	return writeYAML(filepath.Join(dir, recordFile), rec)
}

func (s *FileStore) Delete(_ context.Context, id lifecycle.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.bundleDir(id)); err != nil {
		return fmt.Errorf("remove bundle dir: %w", err)
	}
	return nil
}

func (s *FileStore) Load(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage dir %s: %w", s.Dir, err)
	}
	var out []Record
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "bundle") {
			continue
		}
		path := filepath.Join(s.Dir, e.Name(), recordFile)
		var rec Record
		if err := readYAML(path, &rec); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) NextID(context.Context) (lifecycle.BundleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fr frameworkRecord
	if err := readYAML(filepath.Join(s.Dir, frameworkFile), &fr); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, err
	}
	if fr.NextBundleID < 1 {
		fr.NextBundleID = 1
	}
	return fr.NextBundleID, nil
}

func (s *FileStore) SetNextID(_ context.Context, id lifecycle.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir %s: %w", s.Dir, err)
	}
	return writeYAML(filepath.Join(s.Dir, frameworkFile), frameworkRecord{NextBundleID: id})
}

func (s *FileStore) Clean(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("clean storage dir %s: %w", s.Dir, err)
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
