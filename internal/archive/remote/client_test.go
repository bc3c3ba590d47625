package remote_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

type listRow struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}

func TestProbeFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL

	c := remote.New(s, newTestStore(t), nil, testLogger())

	got, err := c.ProbeFile(context.Background(), "a.txt", archive.FileState{}, archive.FileState{}, "claim")
	require.NoError(t, err)
	require.Empty(t, got.Info)
}

func TestProbeFileFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Object-Hash", "abc123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL

	c := remote.New(s, newTestStore(t), nil, testLogger())

	got, err := c.ProbeFile(context.Background(), "a.txt", archive.FileState{}, archive.FileState{}, "claim")
	require.NoError(t, err)
	require.Equal(t, archive.TypeFile, got.Info[archive.InfoRemoteType])
	require.Equal(t, "abc123", got.Info[archive.InfoRemoteETag])
}

func TestListCandidateFilesDisablesOnContainerGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL

	c := remote.New(s, newTestStore(t), nil, testLogger())

	got, err := c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, got)

	// Once disabled, a forced listing short-circuits without hitting the
	// container at all, per spec.md §4.4's "stop daemons" failure semantics.
	got, err = c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, c.Enable(context.Background()))
}

func TestListCandidateFilesForcedListsContainer(t *testing.T) {
	rows := []listRow{{Name: "a.txt", Hash: "h1", ContentType: "text/plain", LastModified: time.Now().UTC().Format(time.RFC3339)}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL

	c := remote.New(s, newTestStore(t), nil, testLogger())

	got, err := c.ListCandidateFiles(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, got, "a.txt")
}
