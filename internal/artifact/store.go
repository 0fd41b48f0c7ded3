// Package artifact owns the on-disk lifetime of uploaded inputs and produced outputs.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/magickflow/internal/domain"
	"github.com/dunamismax/magickflow/internal/id"
)

const (
	listBatchSize   = 64
	maxOriginalName = 96
)

type Config struct {
	InputDir  string
	OutputDir string
}

type Store struct {
	inputDir  string
	outputDir string
	now       func() time.Time
}

func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.InputDir) == "" || strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("input and output directories are required")
	}

	inputDir, err := filepath.Abs(cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve input dir: %w", err)
	}
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if inputDir == outputDir {
		return nil, errors.New("input and output directories must differ")
	}

	return &Store{
		inputDir:  inputDir,
		outputDir: outputDir,
		now:       time.Now,
	}, nil
}

func (s *Store) dir(role domain.Role) string {
	if role == domain.RoleInput {
		return s.inputDir
	}
	return s.outputDir
}

func (s *Store) ensureDir(role domain.Role) error {
	dir := s.dir(role)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.StoreIOError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// ReserveOutputName mints a unique output id and path. The file itself is
// written later by the image tool.
func (s *Store) ReserveOutputName(purpose, ext string) (domain.Artifact, error) {
	if err := s.ensureDir(domain.RoleOutput); err != nil {
		return domain.Artifact{}, err
	}

	now := s.now().UTC()
	name := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), id.Short(), sanitizeName(purpose))
	if ext = strings.TrimPrefix(strings.TrimSpace(ext), "."); ext != "" {
		name += "." + sanitizeName(ext)
	}

	return domain.Artifact{
		ID:        name,
		Path:      filepath.Join(s.outputDir, name),
		Role:      domain.RoleOutput,
		CreatedAt: now,
	}, nil
}

// SaveInput persists an uploaded file as an input artifact.
func (s *Store) SaveInput(originalName string, r io.Reader) (domain.Artifact, error) {
	if err := s.ensureDir(domain.RoleInput); err != nil {
		return domain.Artifact{}, err
	}

	now := s.now().UTC()
	name := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), id.Short(), sanitizeName(originalName))
	path := filepath.Join(s.inputDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return domain.Artifact{}, &domain.StoreIOError{Op: "create", Path: path, Err: err}
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return domain.Artifact{}, &domain.StoreIOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return domain.Artifact{}, &domain.StoreIOError{Op: "close", Path: path, Err: err}
	}

	return domain.Artifact{
		ID:        name,
		Path:      path,
		Role:      domain.RoleInput,
		CreatedAt: now,
	}, nil
}

// Resolve maps an opaque id back to an existing artifact of the given role.
func (s *Store) Resolve(artifactID string, role domain.Role) (domain.Artifact, error) {
	if err := ValidateID(artifactID); err != nil {
		return domain.Artifact{}, err
	}

	path := filepath.Join(s.dir(role), artifactID)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Artifact{}, domain.NotFound(artifactID)
		}
		return domain.Artifact{}, &domain.StoreIOError{Op: "stat", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return domain.Artifact{}, domain.NotFound(artifactID)
	}

	return domain.Artifact{
		ID:        artifactID,
		Path:      path,
		Role:      role,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

func (s *Store) Exists(a domain.Artifact) (bool, error) {
	if a.Path == "" {
		return false, nil
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &domain.StoreIOError{Op: "stat", Path: a.Path, Err: err}
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes the artifact. Deleting an already-missing artifact is not an error.
func (s *Store) Delete(a domain.Artifact) error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StoreIOError{Op: "delete", Path: a.Path, Err: err}
	}
	return nil
}

// DeleteStrays removes files the tool wrote next to an output instead of at
// its path, e.g. "<stem>-0.png" and "<stem>-1.png" for multi-frame input.
func (s *Store) DeleteStrays(a domain.Artifact) error {
	if a.Path == "" {
		return nil
	}
	ext := filepath.Ext(a.Path)
	pattern := strings.TrimSuffix(a.Path, ext) + "-*" + ext
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return &domain.StoreIOError{Op: "glob", Path: pattern, Err: err}
	}

	var errs []error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &domain.StoreIOError{Op: "delete", Path: path, Err: err})
		}
	}
	return errors.Join(errs...)
}

// ListOlderThan yields artifacts of the given roles (both when none are given)
// whose creation time precedes cutoff. Directories are read in batches as the
// sequence is consumed, and every range over the sequence starts a fresh scan.
func (s *Store) ListOlderThan(cutoff time.Time, roles ...domain.Role) iter.Seq2[domain.Artifact, error] {
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleInput, domain.RoleOutput}
	}

	return func(yield func(domain.Artifact, error) bool) {
		for _, role := range roles {
			if !s.scan(role, cutoff, yield) {
				return
			}
		}
	}
}

func (s *Store) scan(role domain.Role, cutoff time.Time, yield func(domain.Artifact, error) bool) bool {
	dir := s.dir(role)
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		return yield(domain.Artifact{}, &domain.StoreIOError{Op: "open", Path: dir, Err: err})
	}
	defer f.Close()

	for {
		entries, err := f.ReadDir(listBatchSize)
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, infoErr := entry.Info()
			if infoErr != nil {
				if errors.Is(infoErr, fs.ErrNotExist) {
					continue
				}
				path := filepath.Join(dir, entry.Name())
				if !yield(domain.Artifact{}, &domain.StoreIOError{Op: "stat", Path: path, Err: infoErr}) {
					return false
				}
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			a := domain.Artifact{
				ID:        entry.Name(),
				Path:      filepath.Join(dir, entry.Name()),
				Role:      role,
				CreatedAt: info.ModTime().UTC(),
			}
			if !yield(a, nil) {
				return false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			return yield(domain.Artifact{}, &domain.StoreIOError{Op: "readdir", Path: dir, Err: err})
		}
	}
}

// ValidateID rejects ids that could escape the artifact directories.
func ValidateID(artifactID string) error {
	switch {
	case artifactID == "":
		return &domain.ValidationError{Field: "file_id", Reason: "is required"}
	case strings.HasPrefix(artifactID, "."),
		strings.Contains(artifactID, ".."),
		strings.ContainsAny(artifactID, `/\`),
		strings.ContainsRune(artifactID, 0):
		return &domain.ValidationError{Field: "file_id", Reason: "contains path traversal sequences"}
	case artifactID != filepath.Base(artifactID):
		return &domain.ValidationError{Field: "file_id", Reason: "must be a single path segment"}
	}
	return nil
}

func sanitizeName(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if b.Len() >= maxOriginalName {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == '.' && b.Len() > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.ReplaceAll(b.String(), "..", "_")
}
