package syncer_test

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
	"github.com/agkyra/archivesync/internal/syncer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeObjectStore is a minimal in-memory HTTP object store sufficient to
// exercise the remote archive.Client as a probe/stage/target: a JSON
// listing at "/", HEAD/GET on individual object names, and a conditional
// PUT that honors If-Match/If-None-Match the way a real object store
// would, so tests can exercise genuine 412 Precondition Failed responses.
type fakeObjectStore struct {
	mu   sync.Mutex
	objs map[string]fakeObject
}

type fakeObject struct {
	data        []byte
	contentType string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objs: map[string]fakeObject{}}
}

func (f *fakeObjectStore) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[name] = fakeObject{data: data, contentType: "text/plain"}
}

func objectHash(data []byte) string {
	h := fnv.New64a()
	h.Write(data)

	return fmt.Sprintf("%x", h.Sum64())
}

type listRow struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}

func (f *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/" {
		rows := make([]listRow, 0, len(f.objs))
		for name, obj := range f.objs {
			rows = append(rows, listRow{Name: name, Hash: objectHash(obj.data), ContentType: obj.contentType, LastModified: time.Now().UTC().Format(time.RFC3339)})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)

		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objs[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("X-Object-Hash", objectHash(obj.data))

		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.Write(obj.data)

	case http.MethodPut:
		existing, exists := f.objs[name]

		if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
			if !exists || objectHash(existing.data) != ifMatch {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}

		body, _ := io.ReadAll(r.Body)
		ct := r.Header.Get("Content-Type")
		f.objs[name] = fakeObject{data: body, contentType: ct}

		w.Header().Set("Content-Type", ct)
		w.Header().Set("X-Object-Hash", objectHash(body))
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if _, ok := f.objs[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		delete(f.objs, name)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestPurgeAndEnableClearsDisabledRemote(t *testing.T) {
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gone.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = gone.URL

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	defer st.Close()

	msg := messager.New(256, testLogger())

	master := remote.New(s, st, msg, testLogger())
	slave := local.New(s, st, msg, testLogger())

	sy := syncer.New(s, st, msg, master, slave, testLogger())

	_, err = master.ListCandidateFiles(t.Context(), true)
	require.NoError(t, err)

	require.NoError(t, sy.PurgeAndEnable(t.Context()))

	sawEnabled := false
	for _, m := range msg.Drain() {
		if m.Kind == messager.KindRemoteSyncEnabled {
			sawEnabled = true
		}
	}
	require.True(t, sawEnabled)

	// The master's own listing endpoint is still gone, so a subsequent
	// forced listing disables it again rather than silently staying
	// enabled against an unreachable container.
	_, err = master.ListCandidateFiles(t.Context(), true)
	require.NoError(t, err)

	sawDisabled := false
	for _, m := range msg.Drain() {
		if m.Kind == messager.KindRemoteSyncDisabled {
			sawDisabled = true
		}
	}
	require.True(t, sawDisabled)
}

func TestRunOnceSyncsNewRemoteFileToLocal(t *testing.T) {
	fake := newFakeObjectStore()
	fake.put("new.txt", []byte("hello from remote"))

	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL
	s.DecideInterval = time.Hour // the test drives decide manually via RunOnce

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	defer st.Close()

	msg := messager.New(256, testLogger())

	master := remote.New(s, st, msg, testLogger())
	slave := local.New(s, st, msg, testLogger())

	sy := syncer.New(s, st, msg, master, slave, testLogger())

	require.NoError(t, sy.RunOnce(t.Context(), 10*time.Second))

	data, err := os.ReadFile(filepath.Join(s.LocalRoot, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello from remote", string(data))

	require.NoError(t, st.WithTx(t.Context(), "test.check", func(tx *store.Tx) error {
		slaveRow, err := tx.GetState(t.Context(), archive.Slave, "new.txt")
		require.NoError(t, err)
		require.Equal(t, int64(0), slaveRow.Serial)

		syncRow, err := tx.GetState(t.Context(), archive.Sync, "new.txt")
		require.NoError(t, err)
		require.Equal(t, int64(0), syncRow.Serial)

		return nil
	}))
}

// TestRunOnceSyncsLocalDirectoryToRemote covers a directory created locally:
// a probe of the local archive discovers both the directory and the file it
// contains, and a single RunOnce cycle pushes both to the remote container.
func TestRunOnceSyncsLocalDirectoryToRemote(t *testing.T) {
	fake := newFakeObjectStore()

	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL
	s.DecideInterval = time.Hour

	require.NoError(t, os.MkdirAll(filepath.Join(s.LocalRoot, "d003"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "d003", "f003"), []byte("f2"), 0o644))

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	defer st.Close()

	msg := messager.New(256, testLogger())

	master := remote.New(s, st, msg, testLogger())
	slave := local.New(s, st, msg, testLogger())

	sy := syncer.New(s, st, msg, master, slave, testLogger())

	require.NoError(t, sy.RunOnce(t.Context(), 10*time.Second))

	fake.mu.Lock()
	dirObj, dirOK := fake.objs["d003"]
	fileObj, fileOK := fake.objs["d003/f003"]
	fake.mu.Unlock()

	require.True(t, dirOK)
	require.Equal(t, "application/directory", dirObj.contentType)
	require.True(t, fileOK)
	require.Equal(t, "f2", string(fileObj.data))
}

// TestSymlinkProbesUnhandledAndSyncFails covers an unhandled local object
// (a softlink): probing records it as local_type "unhandled", and staging it
// for a sync fails instead of silently creating a remote object, since the
// local client's staging step requires a regular file.
func TestSymlinkProbesUnhandledAndSyncFails(t *testing.T) {
	fake := newFakeObjectStore()

	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = srv.URL
	s.DecideInterval = time.Hour

	require.NoError(t, os.WriteFile(filepath.Join(s.LocalRoot, "f004"), []byte("content"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(s.LocalRoot, "f004"), filepath.Join(s.LocalRoot, "f004.link")))

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	defer st.Close()

	msg := messager.New(256, testLogger())

	master := remote.New(s, st, msg, testLogger())
	slave := local.New(s, st, msg, testLogger())

	live, err := slave.ProbeFile(t.Context(), "f004.link", archive.FileState{}, archive.FileState{}, "claim")
	require.NoError(t, err)
	require.Equal(t, archive.TypeUnhandled, live.Info[archive.InfoLocalType])

	sy := syncer.New(s, st, msg, master, slave, testLogger())

	require.NoError(t, sy.RunOnce(t.Context(), 10*time.Second))

	fake.mu.Lock()
	_, linkSynced := fake.objs["f004.link"]
	fake.mu.Unlock()

	require.False(t, linkSynced)

	var sawSyncError bool

	for _, m := range msg.Drain() {
		if m.Kind == messager.KindSyncError && m.Name == "f004.link" {
			sawSyncError = true
		}
	}

	require.True(t, sawSyncError)
}

// TestStageFilePersistsLiveInfoUpdate covers a live update during staging:
// the file changes on disk between the recorded SLAVE state and the staging
// copy, and the refreshed info is written to the store before StageFile
// returns, not only at ack time.
func TestStageFilePersistsLiveInfoUpdate(t *testing.T) {
	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()

	fsPath := filepath.Join(s.LocalRoot, "f010")
	require.NoError(t, os.WriteFile(fsPath, []byte("f to be changed"), 0o644))

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, testLogger())
	require.NoError(t, err)
	defer st.Close()

	msg := messager.New(256, testLogger())
	slave := local.New(s, st, msg, testLogger())

	recorded := archive.FileState{
		Archive: archive.Slave,
		Name:    "f010",
		Serial:  0,
		Info: archive.Info{
			archive.InfoLocalType:  archive.TypeFile,
			archive.InfoLocalMtime: 0.0,
			archive.InfoLocalSize:  int64(16),
		},
	}
	require.NoError(t, st.WithTx(t.Context(), "test.seed", func(tx *store.Tx) error {
		return tx.PutState(t.Context(), recorded)
	}))

	// The content changes on disk before staging observes it, as if a
	// decide round raced a live edit.
	require.NoError(t, os.WriteFile(fsPath, []byte("changed"), 0o644))

	handle, err := slave.StageFile(t.Context(), recorded)
	require.NoError(t, err)
	defer handle.UnstageFile(t.Context())

	require.Equal(t, int64(7), handle.GetSyncedState().Info[archive.InfoLocalSize])

	require.NoError(t, st.WithTx(t.Context(), "test.check", func(tx *store.Tx) error {
		row, err := tx.GetState(t.Context(), archive.Slave, "f010")
		require.NoError(t, err)
		require.EqualValues(t, 7, row.Info[archive.InfoLocalSize])

		return nil
	}))

	var sawLiveInfoUpdate bool

	for _, m := range msg.Drain() {
		if m.Kind == messager.KindLiveInfoUpdate {
			sawLiveInfoUpdate = true
		}
	}

	require.True(t, sawLiveInfoUpdate)
}
