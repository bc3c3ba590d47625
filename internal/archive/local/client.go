// Package local implements the archive.Client contract against the local
// filesystem root, per spec.md §4.2.a. Grounded on the teacher's
// internal/sync/observer_local.go for the notifier shape and
// internal/sync/executor*.go for the stage/hide/finalize discipline,
// generalized from OneDrive item semantics to the generic
// file/dir/unhandled probing model spec.md §3 specifies.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
	"github.com/agkyra/archivesync/internal/synerr"
	"github.com/agkyra/archivesync/pkg/objectname"
)

// excludedBasename matches filenames that are never probed, per spec.md
// §4.2.a's exclusion list.
var excludedBasename = regexp.MustCompile(`^\.#|^\.~|^~\$|~.*\.tmp$|^\..*\.swp$`)

// Client is the local filesystem archive client.
type Client struct {
	settings *settings.Settings
	store    *store.Store
	msg      *messager.Messager
	logger   *slog.Logger

	notifier *Notifier

	mu         sync.Mutex
	candidates map[string]struct{}

	disabled atomic.Bool
}

// New builds a local archive client rooted at settings.LocalRoot.
func New(s *settings.Settings, st *store.Store, msg *messager.Messager, logger *slog.Logger) *Client {
	c := &Client{
		settings:   s,
		store:      st,
		msg:        msg,
		logger:     logger,
		candidates: make(map[string]struct{}),
	}
	c.notifier = newNotifier(c, logger)

	return c
}

func (c *Client) Notifier() archive.Notifier { return c.notifier }

const configKeyDisabled = "localfs_sync_disabled"

func (c *Client) disable() {
	if !c.disabled.CompareAndSwap(false, true) {
		return
	}

	c.msg.Publish(messager.Message{Kind: messager.KindLocalfsSyncDisabled, Archive: string(archive.Slave)})

	if err := c.store.WithTx(context.Background(), "local.disable", func(tx *store.Tx) error {
		return tx.PutConfig(context.Background(), configKeyDisabled, true)
	}); err != nil {
		c.logger.Error("local: persisting disabled flag failed", slog.String("error", err.Error()))
	}
}

// Enable clears the in-memory and persisted disabled flag so a
// subsequent probe round resumes normally.
func (c *Client) Enable(ctx context.Context) error {
	if !c.disabled.CompareAndSwap(true, false) {
		return nil
	}

	if err := c.store.WithTx(ctx, "local.enable", func(tx *store.Tx) error {
		return tx.PutConfig(ctx, configKeyDisabled, false)
	}); err != nil {
		return fmt.Errorf("local: persisting enabled flag: %w", err)
	}

	c.msg.Publish(messager.Message{Kind: messager.KindLocalfsSyncEnabled, Archive: string(archive.Slave)})

	return nil
}

// excluded reports whether name must never be probed: it lives under the
// cache sub-tree, or its basename matches a lock/swap/backup pattern.
func (c *Client) excluded(name string) bool {
	if name == "" {
		return true
	}

	first, _, _ := strings.Cut(name, "/")
	if first == settings.CacheDirName {
		return true
	}

	return excludedBasename.MatchString(filepath.Base(name))
}

func (c *Client) addCandidate(name string) {
	if c.excluded(name) {
		return
	}

	c.mu.Lock()
	c.candidates[name] = struct{}{}
	c.mu.Unlock()
}

// walkNames performs a full recursive walk of the local root and returns
// every non-excluded object name, used both by the notifier's safety scan
// and by forced ListCandidateFiles calls.
func (c *Client) walkNames() ([]string, error) {
	var names []string

	root := c.settings.LocalRoot

	err := filepath.Walk(root, func(fsPath string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}

		if fsPath == root {
			return nil
		}

		rel, err := filepath.Rel(root, fsPath)
		if err != nil {
			return nil
		}

		name := objectname.Normalize(objectname.FromLocalPath(rel))
		if c.excluded(name) {
			if info.IsDir() && strings.HasPrefix(name, settings.CacheDirName) {
				return filepath.SkipDir
			}

			return nil
		}

		names = append(names, name)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: walk %s: %w", root, err)
	}

	return names, nil
}

// ListCandidateFiles returns the accumulated notifier-fed candidate set; if
// forced, a full walk seeds the set first, per spec.md §4.2.
func (c *Client) ListCandidateFiles(_ context.Context, forced bool) (map[string]struct{}, error) {
	if c.disabled.Load() {
		return map[string]struct{}{}, nil
	}

	if forced {
		names, err := c.walkNames()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		for _, n := range names {
			c.candidates[n] = struct{}{}
		}
		c.mu.Unlock()

		if deleted, err := c.deletedSince(names); err == nil {
			c.mu.Lock()
			for _, n := range deleted {
				c.candidates[n] = struct{}{}
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]struct{}, len(c.candidates))
	for name := range c.candidates {
		out[name] = struct{}{}
	}

	return out, nil
}

func (c *Client) deletedSince(live []string) ([]string, error) {
	liveSet := make(map[string]struct{}, len(live))
	for _, n := range live {
		liveSet[n] = struct{}{}
	}

	var known []string

	err := c.store.WithTx(context.Background(), "local.deleted_since", func(tx *store.Tx) error {
		names, err := tx.ListNonDeleted(context.Background(), archive.Slave)
		known = names

		return err
	})
	if err != nil {
		return nil, err
	}

	var deleted []string

	for _, n := range known {
		if _, ok := liveSet[n]; !ok {
			deleted = append(deleted, n)
		}
	}

	return deleted, nil
}

// RemoveCandidates clears candidate names; the local client does not tag
// candidates with a claim id of its own, so any claim id is accepted.
func (c *Client) RemoveCandidates(names []string, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range names {
		delete(c.candidates, n)
	}
}

// ProbeFile reads the live filesystem state for name, per spec.md §4.2.a's
// type-mapping rules.
func (c *Client) ProbeFile(_ context.Context, name string, _, _ archive.FileState, _ string) (*archive.FileState, error) {
	fsPath := filepath.Join(c.settings.LocalRoot, objectname.ToLocalPath(name))

	info, err := os.Lstat(fsPath)
	if os.IsNotExist(err) {
		return &archive.FileState{Archive: archive.Slave, Name: name, Info: archive.Info{}}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("local: lstat %s: %w", fsPath, err)
	}

	return &archive.FileState{Archive: archive.Slave, Name: name, Info: infoFromStat(fsPath, info)}, nil
}

// infoFromStat maps an os.FileInfo to the Info shape spec.md §4.2.a
// describes: regular files get type/mtime/size, directories get type only,
// everything else (symlinks, devices, empty vs non-empty dirs aside) is
// unhandled.
func infoFromStat(fsPath string, info os.FileInfo) archive.Info {
	switch {
	case info.Mode().IsRegular():
		return archive.Info{
			archive.InfoLocalType:  archive.TypeFile,
			archive.InfoLocalMtime: float64(info.ModTime().UnixNano()) / 1e9,
			archive.InfoLocalSize:  info.Size(),
		}
	case info.IsDir():
		return archive.Info{archive.InfoLocalType: archive.TypeDir}
	default:
		return archive.Info{archive.InfoLocalType: archive.TypeUnhandled}
	}
}

// StageFile copies the live regular file into a reserved staging path. If
// the copy observes live info that differs from the recorded source state,
// the updated info is written to the SLAVE row before the handle is
// returned, so a crash between staging and ack cannot leave the store
// pointing at info a LiveInfoUpdate message already claimed was stale.
func (c *Client) StageFile(ctx context.Context, source archive.FileState) (archive.SourceHandle, error) {
	fsPath := filepath.Join(c.settings.LocalRoot, objectname.ToLocalPath(source.Name))
	cacheName := objectname.CacheHash(source.Name)
	cachePath := filepath.Join(c.settings.StagedDir(), cacheName)

	if err := c.store.WithTx(ctx, "local.reserve_staged", func(tx *store.Tx) error {
		return tx.InsertCacheName(ctx, "staged/"+cacheName, "local", source.Name)
	}); err != nil {
		return nil, err
	}

	updated, err := c.copyStable(fsPath, cachePath)
	if err != nil {
		c.releaseCacheName(ctx, "staged/"+cacheName)
		return nil, err
	}

	finalState := source
	if !archive.Equal(source.Info, updated, c.settings.MtimePrecision) {
		finalState.Info = updated

		if err := c.store.WithTx(ctx, "local.update_source_state", func(tx *store.Tx) error {
			return tx.PutState(ctx, finalState)
		}); err != nil {
			c.releaseCacheName(ctx, "staged/"+cacheName)
			return nil, fmt.Errorf("local: recording updated source state for %s: %w", source.Name, err)
		}

		c.msg.Publish(messager.Message{
			Kind:    messager.KindLiveInfoUpdate,
			Archive: string(archive.Slave),
			Name:    source.Name,
		})
	}

	return &sourceHandle{client: c, cacheName: "staged/" + cacheName, cachePath: cachePath, state: finalState}, nil
}

// copyStable copies src to dst preserving mtime, then re-stats src: if it
// changed size or mtime mid-copy, ChangedBusyError; if it stopped being a
// regular file, NotStableBusyError; if it is exclusively opened elsewhere
// this platform cannot detect that without a flock probe, so OpenBusyError
// is reserved for that future hook and is not raised here (see DESIGN.md).
func (c *Client) copyStable(src, dst string) (archive.Info, error) {
	before, err := os.Lstat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", synerr.ErrNotStableBusy, err)
	}

	if !before.Mode().IsRegular() {
		return nil, synerr.ErrNotStableBusy
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("local: create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return nil, fmt.Errorf("local: copy %s -> %s: %w", src, dst, err)
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("local: close %s: %w", dst, err)
	}

	if err := os.Chtimes(dst, before.ModTime(), before.ModTime()); err != nil {
		c.logger.Warn("local: preserving mtime on staged copy failed", slog.String("path", dst), slog.String("error", err.Error()))
	}

	after, err := os.Lstat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", synerr.ErrNotStableBusy, err)
	}

	if !after.Mode().IsRegular() {
		return nil, synerr.ErrNotStableBusy
	}

	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return nil, synerr.ErrChangedBusy
	}

	return infoFromStat(src, after), nil
}

func (c *Client) releaseCacheName(ctx context.Context, cacheName string) {
	if err := c.store.WithTx(ctx, "local.release_cachename", func(tx *store.Tx) error {
		return tx.DeleteCacheName(ctx, cacheName)
	}); err != nil {
		c.logger.Warn("local: releasing cache name failed", slog.String("cachename", cacheName), slog.String("error", err.Error()))
	}
}

type sourceHandle struct {
	client    *Client
	cacheName string
	cachePath string
	state     archive.FileState
}

func (h *sourceHandle) SendFile(_ context.Context, _ archive.FileState) (string, error) {
	return h.cachePath, nil
}

func (h *sourceHandle) GetSyncedState() archive.FileState { return h.state }

func (h *sourceHandle) UnstageFile(ctx context.Context) error {
	if err := os.Remove(h.cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: unstage %s: %w", h.cachePath, err)
	}

	h.client.releaseCacheName(ctx, h.cacheName)

	return nil
}

// PrepareTarget returns a handle that can hide/finalize name against the
// local root.
func (c *Client) PrepareTarget(_ context.Context, target archive.FileState) (archive.TargetHandle, error) {
	return &targetHandle{client: c, target: target}, nil
}

func nodeTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "archivesync"
	}

	return host
}

func stashName(orig string) string {
	return fmt.Sprintf("%s_%s_%s", orig, time.Now().UTC().Format("20060102T150405Z"), nodeTag())
}
