package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultMaxEntries caps the number of extracted entries.
	DefaultMaxEntries = 20_000
	// DefaultMaxTotalBytes caps cumulative decompressed bytes (2 GiB).
	DefaultMaxTotalBytes int64 = 2 << 30
	// DefaultMaxRatio caps the per-entry inflation ratio.
	DefaultMaxRatio = 200.0
	// MaxNameLength is the longest accepted entry name.
	MaxNameLength = 4096

	dirPerm  = 0o750
	filePerm = 0o640
)

var (
	// ErrSecurityViolation is returned when an archive would escape its
	// sandbox or breach a resource limit. It is never retried.
	ErrSecurityViolation = errors.New("archive security violation")

	// ErrQuotaExceeded is a security violation caused by a resource limit.
	ErrQuotaExceeded = fmt.Errorf("%w: quota exceeded", ErrSecurityViolation)

	// ErrInvalidEntry marks an entry that is skipped during extraction.
	ErrInvalidEntry = errors.New("invalid archive entry")
)

// Limits bounds one extraction.
type Limits struct {
	MaxEntries    int
	MaxTotalBytes int64
	MaxRatio      float64
}

// DefaultLimits returns the 20000 entries / 2 GiB / 200x limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    DefaultMaxEntries,
		MaxTotalBytes: DefaultMaxTotalBytes,
		MaxRatio:      DefaultMaxRatio,
	}
}

// State tracks an extraction in progress.
type State struct {
	Entries    int
	TotalBytes int64
	Skipped    int
}

// ValidateEntryName rejects names that must never be extracted.
func ValidateEntryName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: blank name", ErrInvalidEntry)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name longer than %d", ErrInvalidEntry, MaxNameLength)
	case strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`):
		return fmt.Errorf("%w: absolute name %q", ErrInvalidEntry, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: NUL byte in name", ErrInvalidEntry)
	case hasDrivePrefix(name):
		return fmt.Errorf("%w: drive-letter name %q", ErrInvalidEntry, name)
	}

	for _, segment := range strings.FieldsFunc(name, isSeparator) {
		if segment == ".." {
			return fmt.Errorf("%w: parent segment in %q", ErrInvalidEntry, name)
		}
	}

	return nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

func hasDrivePrefix(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}

	c := name[0]

	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// SafeJoin resolves name under root and fails with ErrSecurityViolation
// when the normalized result is not root or a descendant of it.
func SafeJoin(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Clean(filepath.Join(cleanRoot, filepath.FromSlash(name)))

	rel, err := filepath.Rel(cleanRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: entry %q escapes %s", ErrSecurityViolation, name, cleanRoot)
	}

	return target, nil
}

// ExtractFile extracts the zip at zipPath into root under limits.
// Invalid entries and symlinks are skipped. A containment or quota breach
// aborts immediately and leaves partial output for the caller to clean up.
func ExtractFile(zipPath, root string, limits Limits, logger *slog.Logger) (State, error) {
	// Insecure names are handled per entry below, so ErrInsecurePath is not fatal.
	zr, err := zip.OpenReader(zipPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return State{}, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	return Extract(&zr.Reader, root, limits, logger)
}

// Extract writes the entries of zr into root under limits.
func Extract(zr *zip.Reader, root string, limits Limits, logger *slog.Logger) (State, error) {
	var state State

	mkErr := os.MkdirAll(root, dirPerm)
	if mkErr != nil {
		return state, fmt.Errorf("create extraction root: %w", mkErr)
	}

	for _, entry := range zr.File {
		nameErr := ValidateEntryName(entry.Name)
		if nameErr != nil {
			state.Skipped++

			if logger != nil {
				logger.Debug("skipping archive entry", "error", nameErr)
			}

			continue
		}

		if entry.CompressedSize64 > math.MaxInt64 || entry.UncompressedSize64 > math.MaxInt64 {
			state.Skipped++

			continue
		}

		if entry.Mode()&os.ModeSymlink != 0 {
			state.Skipped++

			continue
		}

		state.Entries++
		if state.Entries > limits.MaxEntries {
			return state, fmt.Errorf("%w: more than %d entries", ErrQuotaExceeded, limits.MaxEntries)
		}

		target, joinErr := SafeJoin(root, entry.Name)
		if joinErr != nil {
			return state, joinErr
		}

		if entry.FileInfo().IsDir() {
			dirErr := os.MkdirAll(target, dirPerm)
			if dirErr != nil {
				return state, fmt.Errorf("create %s: %w", entry.Name, dirErr)
			}

			continue
		}

		written, writeErr := extractEntry(entry, target, limits, state.TotalBytes)
		state.TotalBytes += written

		if writeErr != nil {
			return state, writeErr
		}
	}

	if logger != nil {
		logger.Debug("archive extracted",
			"entries", state.Entries,
			"skipped", state.Skipped,
			"size", humanize.IBytes(uint64(state.TotalBytes))) //nolint:gosec // never negative.
	}

	return state, nil
}

func extractEntry(entry *zip.File, target string, limits Limits, used int64) (int64, error) {
	compressed := int64(entry.CompressedSize64)     //nolint:gosec // bounded by the caller.
	uncompressed := int64(entry.UncompressedSize64) //nolint:gosec // bounded by the caller.

	if exceedsRatio(uncompressed, compressed, limits.MaxRatio) {
		return 0, fmt.Errorf("%w: %s inflates %d -> %d bytes", ErrQuotaExceeded, entry.Name, compressed, uncompressed)
	}

	remaining := limits.MaxTotalBytes - used
	if uncompressed > remaining {
		return 0, fmt.Errorf("%w: %s would exceed %s total", ErrQuotaExceeded, entry.Name,
			humanize.IBytes(uint64(limits.MaxTotalBytes))) //nolint:gosec // positive limit.
	}

	// Cap on what the stream may actually produce, independent of the header.
	allowed := remaining
	if limits.MaxRatio > 0 {
		allowed = min(allowed, int64(limits.MaxRatio*float64(max(compressed, 1))))
	}

	mkErr := os.MkdirAll(filepath.Dir(target), dirPerm)
	if mkErr != nil {
		return 0, fmt.Errorf("create parent of %s: %w", entry.Name, mkErr)
	}

	src, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", entry.Name, err)
	}

	written, copyErr := io.Copy(dst, io.LimitReader(src, allowed+1))
	closeErr := dst.Close()

	if copyErr != nil {
		return written, fmt.Errorf("extract %s: %w", entry.Name, copyErr)
	}

	if written > allowed {
		return written, fmt.Errorf("%w: %s produced more than %d bytes", ErrQuotaExceeded, entry.Name, allowed)
	}

	if closeErr != nil {
		return written, fmt.Errorf("close %s: %w", entry.Name, closeErr)
	}

	return written, nil
}

func exceedsRatio(uncompressed, compressed int64, maxRatio float64) bool {
	if maxRatio <= 0 || uncompressed == 0 {
		return false
	}

	if compressed == 0 {
		return true
	}

	return float64(uncompressed)/float64(compressed) > maxRatio
}

// SourceRoot returns the single top-level directory of an extracted
// GitHub zipball, or root itself when the layout is different.
func SourceRoot(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return root
	}

	return filepath.Join(root, entries[0].Name())
}
