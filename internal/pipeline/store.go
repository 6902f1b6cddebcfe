package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no pipeline exists for a request ID.
var ErrNotFound = errors.New("pipeline not found")

// ErrExists is returned by Create when the request directory is already taken.
var ErrExists = errors.New("pipeline already exists")

// Mirror receives a copy of every artifact written by the store.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects request IDs that are unsafe as directory names.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("invalid request id %q: use letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// Store manages pipeline state and artifacts on disk, one directory per
// request.
type Store struct {
	baseDir       string
	mirror        Mirror
	mirrorTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir:       baseDir,
		mirrorTimeout: 30 * time.Second,
		log:           zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMirror configures a secondary copy for every artifact write. Mirror
// failures are logged and never fail the local write.
func (s *Store) SetMirror(m Mirror, log *zap.Logger) {
	s.mirror = m
	if log != nil {
		s.log = log
	}
}

// SetClock overrides the timestamp source (for testing).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RequestDir returns the artifact directory for a request.
func (s *Store) RequestDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// Path returns the path of a named artifact inside a request directory.
func (s *Store) Path(id, name string) string {
	return filepath.Join(s.RequestDir(id), name)
}

// Create persists a brand-new pipeline. It fails with ErrExists when the
// request directory already holds a pipeline.
func (s *Store) Create(ps *PipelineState) error {
	if err := ValidateID(ps.ID()); err != nil {
		return err
	}
	if _, err := os.Stat(s.Path(ps.ID(), FileState)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, ps.ID())
	}
	if err := os.MkdirAll(s.RequestDir(ps.ID()), 0o755); err != nil {
		return fmt.Errorf("mkdir request dir: %w", err)
	}
	now := s.now()
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = now
	}
	return s.Save(ps)
}

// Get reads the pipeline state for a request.
func (s *Store) Get(id string) (*PipelineState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var ps PipelineState
	if err := ReadYAML(s.Path(id, FileState), &ps); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &ps, nil
}

// Save writes the pipeline state, stamping UpdatedAt.
func (s *Store) Save(ps *PipelineState) error {
	ps.UpdatedAt = s.now()
	return s.writeYAML(ps.ID(), FileState, "", ps)
}

// Update performs a read-modify-write of the pipeline state.
func (s *Store) Update(id string, fn func(*PipelineState) error) (*PipelineState, error) {
	ps, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(ps); err != nil {
		return nil, err
	}
	if err := s.Save(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// List returns all pipelines, optionally filtered by stage, oldest first.
// Pass "" for stageFilter to return all pipelines.
func (s *Store) List(stageFilter string) ([]PipelineState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var pipelines []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() || ValidateID(entry.Name()) != nil {
			continue
		}
		ps, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if stageFilter == "" || string(ps.Stage) == stageFilter {
			pipelines = append(pipelines, *ps)
		}
	}

	sort.Slice(pipelines, func(i, j int) bool {
		if !pipelines[i].CreatedAt.Equal(pipelines[j].CreatedAt) {
			return pipelines[i].CreatedAt.Before(pipelines[j].CreatedAt)
		}
		return pipelines[i].ID() < pipelines[j].ID()
	})
	return pipelines, nil
}

// Delete removes all data for a pipeline.
func (s *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.RequestDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

func (s *Store) writeYAML(id, name, header string, v any) error {
	path := s.Path(id, name)
	if err := WriteYAML(path, header, v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	s.mirrorFile(id, name)
	return nil
}

func (s *Store) appendYAML(id, name, header string, v any) error {
	path := s.Path(id, name)
	if err := AppendYAMLDocument(path, header, v); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	s.mirrorFile(id, name)
	return nil
}

func (s *Store) mirrorFile(id, name string) {
	if s.mirror == nil {
		return
	}
	data, err := os.ReadFile(s.Path(id, name))
	if err != nil {
		s.log.Warn("read artifact for mirror", zap.String("request_id", id), zap.String("file", name), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
	defer cancel()
	if err := s.mirror.Put(ctx, id+"/"+name, data); err != nil {
		s.log.Warn("mirror artifact", zap.String("request_id", id), zap.String("file", name), zap.Error(err))
	}
}
