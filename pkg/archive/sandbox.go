package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const (
	boxPerm     = 0o700
	boxPrefix   = "releaseminer-"
	maxLabelLen = 48
)

// ErrNotRegistered is returned by Release for paths outside every fetch directory.
var ErrNotRegistered = errors.New("path is not a registered sandbox directory")

// Sandbox owns a permission-restricted box directory and records every
// private fetch directory created inside it. It is safe for concurrent use.
type Sandbox struct {
	parent string

	mu   sync.Mutex
	box  string
	dirs []string
}

// NewSandbox creates a registry whose box lives under parent (os.TempDir
// when empty). The box itself is created on first use.
func NewSandbox(parent string) *Sandbox {
	if parent == "" {
		parent = os.TempDir()
	}

	return &Sandbox{parent: parent}
}

// NewDir creates and registers a private 0700 directory for one fetch.
func (s *Sandbox) NewDir(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.box == "" {
		mkErr := os.MkdirAll(s.parent, boxPerm)
		if mkErr != nil {
			return "", fmt.Errorf("create sandbox parent: %w", mkErr)
		}

		box, err := os.MkdirTemp(s.parent, boxPrefix)
		if err != nil {
			return "", fmt.Errorf("create sandbox box: %w", err)
		}

		s.box = box
	}

	dir, err := os.MkdirTemp(s.box, sanitizeLabel(label)+"-")
	if err != nil {
		return "", fmt.Errorf("create fetch dir: %w", err)
	}

	// MkdirTemp already uses 0700; re-apply in case of an unusual umask.
	chmodErr := os.Chmod(dir, boxPerm)
	if chmodErr != nil {
		return "", fmt.Errorf("restrict fetch dir: %w", chmodErr)
	}

	s.dirs = append(s.dirs, dir)

	return dir, nil
}

// Box returns the box directory, or "" before the first NewDir.
func (s *Sandbox) Box() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.box
}

// Dirs returns the registered fetch directories that are still present.
func (s *Sandbox) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.dirs)
}

// Release removes the registered directory that is path or contains path.
func (s *Sandbox) Release(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.owner(path)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, path)
	}

	dir := s.dirs[idx]

	err := os.RemoveAll(dir)
	if err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}

	s.dirs = slices.Delete(s.dirs, idx, idx+1)

	return nil
}

// Cleanup removes every registered directory and the box. It returns the
// paths that could not be removed; those stay registered.
func (s *Sandbox) Cleanup() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string

	remaining := s.dirs[:0]

	for _, dir := range s.dirs {
		err := os.RemoveAll(dir)
		if err != nil {
			failed = append(failed, dir)
			remaining = append(remaining, dir)
		}
	}

	s.dirs = remaining

	if s.box != "" && len(failed) == 0 {
		err := os.RemoveAll(s.box)
		if err != nil {
			failed = append(failed, s.box)
		} else {
			s.box = ""
		}
	}

	return failed
}

func (s *Sandbox) owner(path string) int {
	clean := filepath.Clean(path)

	for i, dir := range s.dirs {
		rel, err := filepath.Rel(dir, clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return i
		}
	}

	return -1
}

func sanitizeLabel(label string) string {
	var b strings.Builder

	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}

		if b.Len() >= maxLabelLen {
			break
		}
	}

	if b.Len() == 0 {
		return "fetch"
	}

	return b.String()
}
