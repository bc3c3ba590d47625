package syncer

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/heartbeat"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
)

func internalTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// conditionalObjects is a trivially small HTTP object handler supporting just
// enough of HEAD/GET/PUT, with If-Match/If-None-Match enforcement, to drive
// a genuine 412 out of the remote archive client.
type conditionalObjects struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (c *conditionalObjects) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := r.URL.Path[1:]

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		data, ok := c.objs[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Object-Hash", fakeHash(data))

		if r.Method == http.MethodHead {
			return
		}

		w.Write(data)

	case http.MethodPut:
		existing, exists := c.objs[name]

		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && (!exists || fakeHash(existing) != ifMatch) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		body, _ := io.ReadAll(r.Body)
		c.objs[name] = body
		w.Header().Set("X-Object-Hash", fakeHash(body))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func fakeHash(data []byte) string {
	var sum int
	for _, b := range data {
		sum = sum*31 + int(b)
	}

	return string(rune('a' + (sum % 26)))
}

func newTestSyncer(t *testing.T, remoteURL string) *Syncer {
	t.Helper()

	s := settings.Defaults()
	s.LocalRoot = t.TempDir()
	s.StateDir = t.TempDir()
	s.RemoteBase = remoteURL
	s.ActionMaxWait = 20 * time.Millisecond

	st, err := store.Open(":memory:", store.BusyPolicy{Base: 10 * time.Millisecond, Cap: 200 * time.Millisecond, Mult: 1.5}, internalTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	msg := messager.New(256, internalTestLogger())

	master := remote.New(s, st, msg, internalTestLogger())
	slave := local.New(s, st, msg, internalTestLogger())

	return New(s, st, msg, master, slave, internalTestLogger())
}

// TestDoubleEditCollisionSurfacesAsCollisionMessage covers a double-edit
// collision: the local side is probed and decided without the remote side
// ever having been probed, so the decide naively picks the local edit as
// the winner even though the remote object already holds different
// content. The conditional PUT this drives must fail with 412 and surface
// as a genuine collision instead of silently overwriting the upstream edit.
func TestDoubleEditCollisionSurfacesAsCollisionMessage(t *testing.T) {
	objs := &conditionalObjects{objs: map[string][]byte{"f002": []byte("upstream")}}
	srv := httptest.NewServer(objs)
	defer srv.Close()

	sy := newTestSyncer(t, srv.URL)
	sy.ctx = t.Context()

	require.NoError(t, os.WriteFile(filepath.Join(sy.settings.LocalRoot, "f002"), []byte("local"), 0o644))

	require.NoError(t, sy.probeArchive(t.Context(), archive.Slave, true))

	var sawUpdate bool

	for _, m := range sy.msg.Drain() {
		if m.Kind == messager.KindUpdate && m.Name == "f002" {
			sawUpdate = true
		}
	}

	require.True(t, sawUpdate)

	sy.decideOne(t.Context(), "f002")

	var job syncJob

	select {
	case job = <-sy.queue:
	default:
		t.Fatal("expected a sync job to be queued")
	}

	sy.runSync(job)

	var sawCollision, sawSyncError bool

	for _, m := range sy.msg.Drain() {
		switch m.Kind {
		case messager.KindCollision:
			sawCollision = true
		case messager.KindSyncError:
			sawSyncError = true
		}
	}

	require.True(t, sawCollision, "expected a CollisionMessage")
	require.True(t, sawSyncError, "expected a SyncErrorMessage")

	require.NoError(t, sy.store.WithTx(t.Context(), "test.check", func(tx *store.Tx) error {
		upstream, err := tx.GetState(t.Context(), archive.Master, "f002")
		require.NoError(t, err)
		require.True(t, upstream.Absent(), "the remote row was never probed, so it must still read absent")

		return nil
	}))
}

// TestHeartbeatBlocksProbeAndDecideUntilWorkerClears covers the heartbeat
// lease: while a sync worker holds the lease, a second probe emits
// HeartbeatNoProbeMessage and a second decide emits HeartbeatNoDecideMessage
// without touching the store; once the worker is gone and action_max_wait
// has elapsed, decide proceeds again instead of being skipped.
func TestHeartbeatBlocksProbeAndDecideUntilWorkerClears(t *testing.T) {
	sy := newTestSyncer(t, "http://127.0.0.1:0")
	sy.ctx = t.Context()

	name := "f006"
	require.NoError(t, os.WriteFile(filepath.Join(sy.settings.LocalRoot, name), []byte("x"), 0o644))

	handle := &syncWorkerHandle{done: make(chan struct{})}
	sy.hb.StartDecide(name)
	sy.hb.AttachWorker(name, handle)

	sy.probeOne(t.Context(), archive.Slave, name, "claim")

	var sawNoProbe bool

	for _, m := range sy.msg.Drain() {
		if m.Kind == messager.KindHeartbeatNoProbe {
			sawNoProbe = true
		}
	}

	require.True(t, sawNoProbe)

	sy.decideOne(t.Context(), name)

	select {
	case <-sy.queue:
		t.Fatal("decide must not enqueue a job while the heartbeat is held")
	default:
	}

	var sawNoDecide bool

	for _, m := range sy.msg.Drain() {
		if m.Kind == messager.KindHeartbeatNoDecide {
			sawNoDecide = true
		}
	}

	require.True(t, sawNoDecide)

	close(handle.done)
	time.Sleep(30 * time.Millisecond)

	outcome := sy.hb.TryDecide(name)
	require.Equal(t, heartbeat.DecideReplay, outcome, "a dead, stale lease must replay instead of staying skipped")
}
