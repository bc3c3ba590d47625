package local_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) (*local.Client, *settings.Settings) {
	t.Helper()

	root := t.TempDir()
	s := settings.Defaults()
	s.LocalRoot = root
	s.StateDir = t.TempDir()

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	msg := messager.New(16, testLogger())

	return local.New(s, st, msg, testLogger()), s
}

func TestProbeFileMissing(t *testing.T) {
	c, _ := newTestClient(t)

	got, err := c.ProbeFile(context.Background(), "missing.txt", archive.FileState{}, archive.FileState{}, "claim")
	require.NoError(t, err)
	require.Empty(t, got.Info)
}

func TestProbeFileRegularFile(t *testing.T) {
	c, s := newTestClient(t)

	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "a.txt"), []byte("hello"), 0o644))

	got, err := c.ProbeFile(context.Background(), "a.txt", archive.FileState{}, archive.FileState{}, "claim")
	require.NoError(t, err)
	require.Equal(t, archive.TypeFile, got.Info[archive.InfoLocalType])
	require.EqualValues(t, 5, got.Info[archive.InfoLocalSize])
}

func TestListCandidateFilesForcedWalksTree(t *testing.T) {
	c, s := newTestClient(t)

	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.LocalRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "sub", "b.txt"), []byte("there"), 0o644))

	got, err := c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)

	require.Contains(t, got, "a.txt")
	require.Contains(t, got, "sub/b.txt")
}

func TestListCandidateFilesExcludesCacheDir(t *testing.T) {
	c, s := newTestClient(t)

	require.NoError(t, os.MkdirAll(s.CacheDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.CacheDir(), "junk"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "real.txt"), []byte("x"), 0o644))

	got, err := c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)

	require.Contains(t, got, "real.txt")

	for name := range got {
		require.NotContains(t, name, settings.CacheDirName)
	}
}

func TestEnableIsNoopWhenNotDisabled(t *testing.T) {
	c, _ := newTestClient(t)

	require.NoError(t, c.Enable(context.Background()))
}

func TestRemoveCandidatesClearsNames(t *testing.T) {
	c, s := newTestClient(t)

	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "a.txt"), []byte("hi"), 0o644))

	got, err := c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, got, "a.txt")

	c.RemoveCandidates([]string{"a.txt"}, "claim")

	got, err = c.ListCandidateFiles(context.Background(), false)
	require.NoError(t, err)
	require.NotContains(t, got, "a.txt")
}
