// Package artifact manages the on-disk files produced and consumed by
// pipeline stages. Writes go to a temp file first and are published with
// an atomic rename, so a reader never observes a partial artifact.
// Storage is namespaced by job ID: intermediate kinds live under the
// work dir and are removed once the job reaches a terminal state, result
// kinds live under the result dir until the retention sweep picks them up.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/audioscore/api/internal/model"
)

var ErrNotFound = errors.New("artifact not found")

// Store is a job-scoped file store rooted at a work dir (intermediates)
// and a result dir (deliverables).
type Store struct {
	workDir   string
	resultDir string
}

func NewStore(workDir, resultDir string) (*Store, error) {
	for _, dir := range []string{workDir, resultDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return &Store{workDir: workDir, resultDir: resultDir}, nil
}

// Put stores content as the artifact of the given kind for the job and
// returns its ref. The write is atomic: content lands in a temp file that
// is renamed into place once fully written and checksummed. Re-running a
// stage before its success is committed replaces the previous attempt's
// file; committed artifacts are protected by the job record, which never
// overwrites an existing stage ref.
func (s *Store) Put(jobID string, kind model.ArtifactKind, r io.Reader) (model.ArtifactRef, error) {
	dir := s.jobDir(jobID, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if err != nil {
		tmp.Close()
		return model.ArtifactRef{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return model.ArtifactRef{}, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to close artifact: %w", err)
	}

	final := filepath.Join(dir, kind.Filename())
	if err := os.Rename(tmpName, final); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to publish artifact: %w", err)
	}

	return model.ArtifactRef{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Kind:      kind,
		Path:      final,
		SizeBytes: size,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
		CreatedAt: time.Now(),
	}, nil
}

// PutFile stores an existing file (typically a stage tool's output) as an
// artifact, leaving the source untouched.
func (s *Store) PutFile(jobID string, kind model.ArtifactKind, path string) (model.ArtifactRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("failed to open stage output %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(jobID, kind, f)
}

// Open returns a reader over the artifact's content.
func (s *Store) Open(ref model.ArtifactRef) (io.ReadCloser, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete removes a single artifact file.
func (s *Store) Delete(ref model.ArtifactRef) error {
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ScratchDir returns a per-job scratch directory for a stage's tool
// output before it is published as an artifact.
func (s *Store) ScratchDir(jobID, name string) (string, error) {
	dir := filepath.Join(s.workDir, jobID, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

// ResultPath resolves a result filename for a job, guarding against path
// traversal. Used by the download surface.
func (s *Store) ResultPath(jobID, filename string) (string, error) {
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("illegal filename %q", filename)
	}
	path := filepath.Join(s.resultDir, jobID, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return path, nil
}

// CleanupJob removes the job's intermediate files. Results are kept.
func (s *Store) CleanupJob(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.workDir, jobID))
}

// SweepResults deletes result directories older than the retention
// window. Returns the number of job result dirs removed.
func (s *Store) SweepResults(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.resultDir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.resultDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) jobDir(jobID string, kind model.ArtifactKind) string {
	if kind.IsResult() {
		return filepath.Join(s.resultDir, jobID)
	}
	return filepath.Join(s.workDir, jobID, string(kind))
}
