package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/releaseminer/pkg/persist"
)

// MetadataVersion is the current checkpoint metadata format version.
const MetadataVersion = 1

// Sentinel errors for checkpoint validation.
var (
	ErrRepositoryMismatch = errors.New("repository mismatch")
	ErrProjectMismatch    = errors.New("project mismatch")
	ErrVersionMismatch    = errors.New("checkpoint version mismatch")
)

// DefaultDir returns the default checkpoint directory (~/.releaseminer/checkpoints).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".releaseminer", "checkpoints")
}

// RepoHash computes a short hash of a repository identity for use as directory name.
func RepoHash(repo string) string {
	h := sha256.Sum256([]byte(repo))

	return hex.EncodeToString(h[:8])
}

// Manager stores one repository's checkpoint.
type Manager struct {
	BaseDir  string
	RepoHash string

	metadata *persist.Persister[Metadata]
	state    *persist.Persister[State]
}

// NewManager creates a new checkpoint manager.
func NewManager(baseDir, repoHash string) *Manager {
	return &Manager{
		BaseDir:  baseDir,
		RepoHash: repoHash,
		metadata: persist.NewPersister[Metadata]("checkpoint", persist.NewJSONCodec()),
		state:    persist.NewPersister[State]("snapshot", persist.NewLZ4Codec(persist.NewGobCodec())),
	}
}

// CheckpointDir returns the directory for this repository's checkpoint.
func (m *Manager) CheckpointDir() string {
	return filepath.Join(m.BaseDir, m.RepoHash)
}

// MetadataPath returns the path to the metadata file.
func (m *Manager) MetadataPath() string {
	return m.metadata.Path(m.CheckpointDir())
}

// Exists returns true if a checkpoint exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.MetadataPath())

	return err == nil
}

// Clear removes the checkpoint for the current repository.
func (m *Manager) Clear() error {
	err := os.RemoveAll(m.CheckpointDir())
	if err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	return nil
}

// Save records state for repository and project. The snapshot is written
// before the metadata, so a metadata file always points at a complete
// snapshot.
func (m *Manager) Save(state *State, repository, project string) error {
	cpDir := m.CheckpointDir()

	err := m.state.Save(cpDir, state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	meta := Metadata{
		Version:    MetadataVersion,
		Repository: repository,
		Project:    project,
		RepoHash:   m.RepoHash,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		LastTag:    state.LastTag,
		Releases:   state.Releases,
		Methods:    len(state.Records),
	}

	err = m.metadata.Save(cpDir, &meta)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	return nil
}

// LoadMetadata loads the checkpoint metadata.
func (m *Manager) LoadMetadata() (*Metadata, error) {
	meta, err := m.metadata.Load(m.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	return meta, nil
}

// Load restores the saved state after validating it belongs to repository
// and project. A missing checkpoint yields persist.ErrNotFound.
func (m *Manager) Load(repository, project string) (*State, error) {
	err := m.Validate(repository, project)
	if err != nil {
		return nil, err
	}

	state, err := m.state.Load(m.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return state, nil
}

// Validate checks if the checkpoint was written for the given parameters.
func (m *Manager) Validate(repository, project string) error {
	meta, err := m.LoadMetadata()
	if err != nil {
		return err
	}

	if meta.Version != MetadataVersion {
		return fmt.Errorf("%w: checkpoint has %d, want %d", ErrVersionMismatch, meta.Version, MetadataVersion)
	}

	if meta.Repository != repository {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrRepositoryMismatch, meta.Repository, repository)
	}

	if meta.Project != project {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrProjectMismatch, meta.Project, project)
	}

	return nil
}
