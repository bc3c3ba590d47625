package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/store"
	"github.com/agkyra/archivesync/internal/synerr"
	"github.com/agkyra/archivesync/pkg/objectname"
)

type targetHandle struct {
	client *Client
	target archive.FileState
}

// hiddenContent describes what, if anything, was hidden out of the way
// before the target was overwritten.
type hiddenContent struct {
	path   string
	exists bool
	isDir  bool
	empty  bool
}

// Pull implements spec.md §4.2's four-step target-apply contract: hide,
// compare-and-stash, link/move into place, publish.
func (h *targetHandle) Pull(ctx context.Context, source archive.SourceHandle, sync archive.FileState) (archive.FileState, error) {
	c := h.client
	name := h.target.Name
	livePath := filepath.Join(c.settings.LocalRoot, objectname.ToLocalPath(name))
	hiddenName := "hidden/" + objectname.CacheHash(name)
	hiddenPath := filepath.Join(c.settings.HiddenDir(), objectname.CacheHash(name))

	if err := c.store.WithTx(ctx, "local.reserve_hidden", func(tx *store.Tx) error {
		return tx.InsertCacheName(ctx, hiddenName, "local", name)
	}); err != nil {
		return archive.FileState{}, err
	}
	defer c.releaseCacheName(ctx, hiddenName)

	hidden, err := hide(livePath, hiddenPath)
	if err != nil {
		return archive.FileState{}, err
	}

	sourceState := source.GetSyncedState()

	var (
		newInfo archive.Info
		applyErr error
	)

	switch {
	case sourceState.Absent():
		applyErr = h.applyDelete(hidden)
		newInfo = archive.Info{}

	default:
		localType, _ := sourceState.Info[archive.InfoLocalType].(string)
		if localType == "" {
			localType, _ = sourceState.Info[archive.InfoRemoteType].(string)
		}

		if localType == archive.TypeDir {
			newInfo, applyErr = h.applyDirectory(livePath, hidden)
		} else {
			newInfo, applyErr = h.applyFile(ctx, source, sync, livePath, hidden)
		}
	}

	if applyErr != nil {
		return archive.FileState{}, applyErr
	}

	return archive.FileState{Archive: archive.Slave, Name: name, Info: newInfo}, nil
}

// hide renames the live path out of the way. A non-empty directory at
// livePath cannot safely be hidden atomically as a single unit without
// losing the "is it non-empty" signal spec.md §4.2 requires, so we detect
// that case up front and refuse with ConflictError before touching anything.
func hide(livePath, hiddenPath string) (hiddenContent, error) {
	info, err := os.Lstat(livePath)
	if os.IsNotExist(err) {
		return hiddenContent{}, nil
	}

	if err != nil {
		return hiddenContent{}, fmt.Errorf("local: lstat %s: %w", livePath, err)
	}

	empty := true

	if info.IsDir() {
		entries, err := os.ReadDir(livePath)
		if err != nil {
			return hiddenContent{}, fmt.Errorf("local: read dir %s: %w", livePath, err)
		}

		empty = len(entries) == 0
	}

	if info.IsDir() && !empty {
		return hiddenContent{}, fmt.Errorf("local: %s is a non-empty directory: %w", livePath, synerr.ErrConflict)
	}

	if err := os.MkdirAll(filepath.Dir(hiddenPath), 0o755); err != nil {
		return hiddenContent{}, fmt.Errorf("local: mkdir %s: %w", filepath.Dir(hiddenPath), err)
	}

	if err := os.Rename(livePath, hiddenPath); err != nil {
		return hiddenContent{}, fmt.Errorf("local: hide %s: %w", livePath, err)
	}

	return hiddenContent{path: hiddenPath, exists: true, isDir: info.IsDir(), empty: empty}, nil
}

// applyDelete: a hidden non-empty path is stashed (the deletion must not
// silently discard local content); an empty or absent hidden path is simply
// dropped.
func (h *targetHandle) applyDelete(hidden hiddenContent) error {
	if !hidden.exists {
		return nil
	}

	if hidden.isDir && !hidden.empty {
		return h.stash(hidden.path)
	}

	if !hidden.isDir {
		return h.stash(hidden.path)
	}

	return os.Remove(hidden.path)
}

func (h *targetHandle) applyDirectory(livePath string, hidden hiddenContent) (archive.Info, error) {
	if hidden.exists {
		if hidden.isDir {
			if err := os.Remove(hidden.path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("local: drop hidden dir %s: %w", hidden.path, err)
			}
		} else if err := h.stash(hidden.path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(livePath, 0o755); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", livePath, err)
	}

	return archive.Info{archive.InfoLocalType: archive.TypeDir}, nil
}

func (h *targetHandle) applyFile(ctx context.Context, source archive.SourceHandle, sync archive.FileState, livePath string, hidden hiddenContent) (archive.Info, error) {
	stagedPath, err := source.SendFile(ctx, sync)
	if err != nil {
		return nil, fmt.Errorf("local: send_file: %w", err)
	}

	if hidden.exists {
		if hidden.isDir && !hidden.empty {
			return nil, &synerr.HardSyncError{Name: h.target.Name, Serial: h.target.Serial, Err: synerr.ErrConflict}
		}

		same, err := sameContent(hidden, stagedPath)
		if err != nil {
			return nil, err
		}

		if !same {
			if err := h.stash(hidden.path); err != nil {
				return nil, err
			}
		} else if err := os.Remove(hidden.path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("local: drop identical hidden file %s: %w", hidden.path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(livePath), 0o755); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", filepath.Dir(livePath), err)
	}

	if err := linkOrMove(stagedPath, livePath); err != nil {
		return nil, fmt.Errorf("local: finalize %s: %w", livePath, err)
	}

	info, err := os.Lstat(livePath)
	if err != nil {
		return nil, fmt.Errorf("local: lstat finalized %s: %w", livePath, err)
	}

	return infoFromStat(livePath, info), nil
}

// sameContent compares hidden's existing content with the staged file.
// Per spec.md §4.2.a, unhandled-vs-unhandled content must be treated as
// different at this boundary (only probing treats them as equal), so a
// hidden symlink/device never short-circuits a stash.
func sameContent(hidden hiddenContent, stagedPath string) (bool, error) {
	if hidden.isDir {
		return false, nil
	}

	hiddenInfo, err := os.Lstat(hidden.path)
	if err != nil {
		return false, fmt.Errorf("local: lstat hidden %s: %w", hidden.path, err)
	}

	if !hiddenInfo.Mode().IsRegular() {
		return false, nil
	}

	a, err := os.ReadFile(hidden.path)
	if err != nil {
		return false, fmt.Errorf("local: read hidden %s: %w", hidden.path, err)
	}

	b, err := os.ReadFile(stagedPath)
	if err != nil {
		return false, fmt.Errorf("local: read staged %s: %w", stagedPath, err)
	}

	return bytes.Equal(a, b), nil
}

// linkOrMove hard-links src to dst (POSIX) so the cache copy stays intact
// for any still-running stage/unstage, falling back to a copy if the link
// fails (e.g. the cache and root live on different filesystems).
func linkOrMove(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing target: %w", err)
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// stash renames hidden content next to the original path with a
// collision-stash name, per spec.md §4.2.a, and publishes
// ConflictStashMessage.
func (h *targetHandle) stash(hiddenPath string) error {
	livePath := filepath.Join(h.client.settings.LocalRoot, objectname.ToLocalPath(h.target.Name))
	dest := stashName(livePath)

	if err := os.Rename(hiddenPath, dest); err != nil {
		return fmt.Errorf("local: stash %s -> %s: %w", hiddenPath, dest, err)
	}

	h.client.msg.Publish(messager.Message{
		Kind:    messager.KindConflictStash,
		Archive: string(archive.Slave),
		Name:    h.target.Name,
	})

	return nil
}
