package archive_test

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/archive"
)

type zipEntry struct {
	name    string
	content string
	method  uint16
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: e.method})
		require.NoError(t, err)

		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func openZip(t *testing.T, data []byte) *zip.Reader {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		require.ErrorIs(t, err, zip.ErrInsecurePath)
	}

	return zr
}

// descendants walks dir and fails if any path is outside root.
func assertContained(t *testing.T, root string) {
	t.Helper()

	cleanRoot := filepath.Clean(root)

	err := filepath.WalkDir(cleanRoot, func(path string, _ os.DirEntry, walkErr error) error {
		require.NoError(t, walkErr)
		assert.True(t, path == cleanRoot || strings.HasPrefix(path, cleanRoot+string(filepath.Separator)), path)

		return nil
	})
	require.NoError(t, err)
}

func TestValidateEntryName(t *testing.T) {
	t.Parallel()

	rejected := []string{
		"",
		"   ",
		"/etc/passwd",
		`\windows\system32`,
		"../../etc/passwd",
		`src\..\..\boot.ini`,
		"a/../b",
		"C:/evil.txt",
		"bad\x00name",
		strings.Repeat("a", archive.MaxNameLength+1),
	}

	for _, name := range rejected {
		require.ErrorIs(t, archive.ValidateEntryName(name), archive.ErrInvalidEntry, "%q", name)
	}

	accepted := []string{
		"apache-bookkeeper-1a2b3c/src/main/java/Ledger.java",
		"dir/",
		"..hidden/file",
		"file..txt",
	}

	for _, name := range accepted {
		assert.NoError(t, archive.ValidateEntryName(name), name)
	}
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	target, err := archive.SafeJoin(root, "a/b/C.java")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b", "C.java"), target)

	_, err = archive.SafeJoin(root, "../../etc/passwd")
	require.ErrorIs(t, err, archive.ErrSecurityViolation)

	_, err = archive.SafeJoin(root, "a/../../sibling")
	require.ErrorIs(t, err, archive.ErrSecurityViolation)
}

func TestExtract_TraversalEntryIsSkippedBeforeAnyWrite(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "sandbox", "src")

	data := buildZip(t,
		zipEntry{name: "../../etc/passwd", content: "root:x:0:0"},
		zipEntry{name: "repo-abc/src/Main.java", content: "class Main {}", method: zip.Deflate},
	)

	state, err := archive.Extract(openZip(t, data), root, archive.DefaultLimits(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, state.Skipped)
	assert.Equal(t, 1, state.Entries)
	assert.NoFileExists(t, filepath.Join(parent, "etc", "passwd"))
	assert.FileExists(t, filepath.Join(root, "repo-abc", "src", "Main.java"))
	assertContained(t, root)
}

func TestExtract_EntryCountQuota(t *testing.T) {
	t.Parallel()

	entries := make([]zipEntry, 0, archive.DefaultMaxEntries+1)
	for i := range archive.DefaultMaxEntries + 1 {
		entries = append(entries, zipEntry{name: fmt.Sprintf("d%02d/f%05d.txt", i%50, i)})
	}

	root := t.TempDir()

	state, err := archive.Extract(openZip(t, buildZip(t, entries...)), root, archive.DefaultLimits(), nil)
	require.ErrorIs(t, err, archive.ErrQuotaExceeded)
	require.ErrorIs(t, err, archive.ErrSecurityViolation)
	assert.Equal(t, archive.DefaultMaxEntries+1, state.Entries)
}

func TestExtract_CumulativeByteQuotaAbortsAtOffendingEntry(t *testing.T) {
	t.Parallel()

	limits := archive.DefaultLimits()
	limits.MaxTotalBytes = 1000

	chunk := strings.Repeat("x", 600)
	data := buildZip(t,
		zipEntry{name: "first.txt", content: chunk},
		zipEntry{name: "second.txt", content: chunk},
		zipEntry{name: "third.txt", content: "never"},
	)

	root := t.TempDir()

	state, err := archive.Extract(openZip(t, data), root, limits, nil)
	require.ErrorIs(t, err, archive.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "second.txt")
	assert.Equal(t, int64(600), state.TotalBytes)
	assert.FileExists(t, filepath.Join(root, "first.txt"))
	assert.NoFileExists(t, filepath.Join(root, "third.txt"))
}

func TestExtract_InflationRatioQuota(t *testing.T) {
	t.Parallel()

	bomb := strings.Repeat("\x00", 1<<20)
	data := buildZip(t, zipEntry{name: "bomb.bin", content: bomb, method: zip.Deflate})

	_, err := archive.Extract(openZip(t, data), t.TempDir(), archive.DefaultLimits(), nil)
	require.ErrorIs(t, err, archive.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "bomb.bin")
}

func TestExtract_StoredEntriesWithinLimits(t *testing.T) {
	t.Parallel()

	data := buildZip(t,
		zipEntry{name: "repo/"},
		zipEntry{name: "repo/pom.xml", content: "<project/>"},
		zipEntry{name: "repo/src/A.java", content: "class A { void a() {} }", method: zip.Deflate},
	)

	root := t.TempDir()

	state, err := archive.Extract(openZip(t, data), root, archive.DefaultLimits(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Entries)
	assert.Equal(t, filepath.Join(root, "repo"), archive.SourceRoot(root))

	content, err := os.ReadFile(filepath.Join(root, "repo", "src", "A.java"))
	require.NoError(t, err)
	assert.Equal(t, "class A { void a() {} }", string(content))
}

func TestSourceRoot_MultipleTopLevelEntries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o600))

	assert.Equal(t, root, archive.SourceRoot(root))
}
