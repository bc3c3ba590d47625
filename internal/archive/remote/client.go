// Package remote implements the archive.Client contract against an HTTP
// object store container with per-object content hashes and conditional
// writes, per spec.md §4.2.b and §6. Modeled on the teacher's
// internal/graph/client.go: a single http.Client, status classification
// into sentinel errors, and a retry loop — except the retry loop is built
// on github.com/sethvargo/go-retry instead of the teacher's hand-rolled
// jittered loop, since the pack already supplies that library.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
	"github.com/agkyra/archivesync/internal/synerr"
	"github.com/agkyra/archivesync/pkg/objectname"
)

const (
	headerObjectHash = "X-Object-Hash"
	headerIfMatch    = "If-Match"
	headerIfNoneMatch = "If-None-Match"

	contentTypeDirectory = "application/directory"

	maxRetryAttempts = 5
	retryBaseDelay   = 200 * time.Millisecond
	retryMaxDelay    = 10 * time.Second
)

// listEntry is one row of the container listing response.
type listEntry struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}

// Client implements archive.Client against a container reachable at
// baseURL, authenticated with a static bearer token (authentication itself
// is out of scope per spec.md §1; the token is handed to us already minted).
type Client struct {
	baseURL string
	token   string
	http     *http.Client
	logger   *slog.Logger
	store    *store.Store
	settings *settings.Settings
	msg      *messager.Messager
	self     archive.Tag

	mu         sync.Mutex
	candidates map[string]struct{}
	lastSeen   time.Time // greatest last_modified observed by the poller

	notifier *Poller
	disabled atomic.Bool
}

// New builds a remote archive client. msg may be nil for read-only callers
// (status reporting) that never exercise StageFile/Pull and so never need
// to publish remote-sync event notifications.
func New(s *settings.Settings, st *store.Store, msg *messager.Messager, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(s.RemoteBase, "/"),
		token:      s.RemoteAuth,
		http:       &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		store:      st,
		settings:   s,
		msg:        msg,
		self:       archive.Master,
		candidates: make(map[string]struct{}),
	}
	c.notifier = newPoller(c, logger)

	return c
}

// publish is a nil-safe wrapper around msg.Publish, since msg may be nil
// for read-only callers.
func (c *Client) publish(m messager.Message) {
	if c.msg != nil {
		c.msg.Publish(m)
	}
}

const configKeyDisabled = "remote_sync_disabled"

// disable marks the container unreachable after a 404 on the container
// listing endpoint.
func (c *Client) disable() {
	if !c.disabled.CompareAndSwap(false, true) {
		return
	}

	c.publish(messager.Message{
		Kind:    messager.KindRemoteSyncDisabled,
		Archive: string(archive.Master),
		Payload: messager.ErrorPayload{Err: ErrContainerGone},
	})

	if err := c.store.WithTx(context.Background(), "remote.disable", func(tx *store.Tx) error {
		return tx.PutConfig(context.Background(), configKeyDisabled, true)
	}); err != nil {
		c.logger.Error("remote: persisting disabled flag failed", slog.String("error", err.Error()))
	}
}

// Enable clears the disabled flag so the client resumes normal listing.
func (c *Client) Enable(ctx context.Context) error {
	if !c.disabled.CompareAndSwap(true, false) {
		return nil
	}

	if err := c.store.WithTx(ctx, "remote.enable", func(tx *store.Tx) error {
		return tx.PutConfig(ctx, configKeyDisabled, false)
	}); err != nil {
		return fmt.Errorf("remote: persisting enabled flag: %w", err)
	}

	c.publish(messager.Message{Kind: messager.KindRemoteSyncEnabled, Archive: string(archive.Master)})

	return nil
}

// Notifier returns the background container-listing poller.
func (c *Client) Notifier() archive.Notifier { return c.notifier }

func (c *Client) addCandidate(name string) {
	c.mu.Lock()
	c.candidates[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) lastSeenMark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeen
}

func (c *Client) advanceLastSeen(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.After(c.lastSeen) {
		c.lastSeen = t
	}
}

// ListCandidateFiles drains the poller-fed candidate set; when forced it
// additionally performs a full container listing first, per spec.md
// §4.2's contract.
func (c *Client) ListCandidateFiles(ctx context.Context, forced bool) (map[string]struct{}, error) {
	if c.disabled.Load() {
		return map[string]struct{}{}, nil
	}

	if forced {
		entries, err := c.listContainer(ctx, time.Time{})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		for _, e := range entries {
			c.candidates[e.Name] = struct{}{}
		}
		c.mu.Unlock()

		if deleted, err := c.deletedSince(ctx, entries); err == nil {
			c.mu.Lock()
			for _, name := range deleted {
				c.candidates[name] = struct{}{}
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

// deletedSince diffs the store's non-deleted MASTER names against the live
// listing, per spec.md §4.2.b's "newly-deleted remote objects" rule.
func (c *Client) deletedSince(ctx context.Context, entries []listEntry) ([]string, error) {
	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		live[e.Name] = struct{}{}
	}

	var known []string

	err := c.store.WithTx(ctx, "remote.deleted_since", func(tx *store.Tx) error {
		names, err := tx.ListNonDeleted(ctx, archive.Master)
		known = names

		return err
	})
	if err != nil {
		return nil, err
	}

	var deleted []string

	for _, name := range known {
		if _, ok := live[name]; !ok {
			deleted = append(deleted, name)
		}
	}

	return deleted, nil
}

// RemoveCandidates clears candidate names; the remote client has no claim
// tagging of its own (candidates are transient in memory), so it simply
// deletes whatever the caller says it has consumed.
func (c *Client) RemoveCandidates(names []string, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range names {
		delete(c.candidates, n)
	}
}

// ProbeFile asks the container for per-object metadata via HEAD, per
// spec.md §4.2.b. Absence (404) yields an empty-info live state.
func (c *Client) ProbeFile(ctx context.Context, name string, _, _ archive.FileState, _ string) (*archive.FileState, error) {
	resp, err := c.do(ctx, http.MethodHead, name, nil, nil)
	if err != nil {
		if isNotFound(err) {
			return &archive.FileState{Archive: archive.Master, Name: name, Info: archive.Info{}}, nil
		}

		return nil, fmt.Errorf("remote: probe %s: %w", name, err)
	}
	defer resp.Body.Close()

	info := infoFromHeaders(resp.Header)

	return &archive.FileState{Archive: archive.Master, Name: name, Info: info}, nil
}

func infoFromHeaders(h http.Header) archive.Info {
	ct := h.Get("Content-Type")

	typ := archive.TypeFile
	if ct == contentTypeDirectory {
		typ = archive.TypeDir
	}

	etag := h.Get(headerObjectHash)
	if etag == "" {
		etag = strings.Trim(h.Get("ETag"), `"`)
	}

	return archive.Info{
		archive.InfoRemoteType: typ,
		archive.InfoRemoteETag: etag,
	}
}

func isNotFound(err error) bool {
	var se *StoreError
	return asStoreError(err, &se) && se.StatusCode == http.StatusNotFound
}

func asStoreError(err error, target **StoreError) bool {
	for err != nil {
		if se, ok := err.(*StoreError); ok {
			*target = se
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}

// listContainer performs a single container listing request, optionally
// filtered by updated-since.
func (c *Client) listContainer(ctx context.Context, since time.Time) ([]listEntry, error) {
	q := url.Values{}
	q.Set("format", "json")

	if !since.IsZero() {
		q.Set("updated-since", since.UTC().Format(time.RFC3339))
	}

	resp, err := c.do(ctx, http.MethodGet, "?"+q.Encode(), nil, nil)
	if err != nil {
		if isNotFound(err) {
			c.logger.Error("remote: container missing, disabling remote sync")
			c.disable()

			return nil, nil
		}

		return nil, fmt.Errorf("remote: list container: %w", err)
	}
	defer resp.Body.Close()

	var entries []listEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("remote: decode listing: %w", err)
	}

	return entries, nil
}

// do issues one HTTP request against baseURL/name with retry/backoff driven
// by github.com/sethvargo/go-retry, classifying the final status into a
// *StoreError on non-2xx.
func (c *Client) do(ctx context.Context, method, name string, body io.Reader, headers http.Header) (*http.Response, error) {
	target := c.objectURL(name)

	backoff, err := retry.NewExponential(retryBaseDelay)
	if err != nil {
		return nil, err
	}

	backoff = retry.WithMaxRetries(maxRetryAttempts, backoff)
	backoff = retry.WithCappedDuration(retryMaxDelay, backoff)

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("remote: read request body: %w", err)
		}
	}

	var resp *http.Response

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return err
		}

		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("remote: %s %s: %w", method, target, err))
		}

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}

		msg, _ := io.ReadAll(r.Body)
		r.Body.Close()

		storeErr := &StoreError{
			StatusCode: r.StatusCode,
			ObjectName: name,
			Err:        classifyStatus(r.StatusCode),
		}

		if len(msg) > 0 {
			storeErr.Err = fmt.Errorf("%w: %s", storeErr.Err, strings.TrimSpace(string(msg)))
		}

		if isRetryable(r.StatusCode) {
			return retry.RetryableError(storeErr)
		}

		return storeErr
	})
	if err != nil {
		c.publishDoError(name, err)
		return nil, err
	}

	return resp, nil
}

// publishDoError reports a terminal (non-retryable, or retries-exhausted)
// HTTP failure on the shared event bus, per the KindRemote* taxonomy.
func (c *Client) publishDoError(name string, err error) {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		c.publish(messager.Message{
			Kind:    messager.KindRemoteAuthTokenError,
			Archive: string(archive.Master),
			Name:    name,
			Payload: messager.ErrorPayload{Err: err},
		})

		return
	}

	c.publish(messager.Message{
		Kind:    messager.KindRemoteGenericError,
		Archive: string(archive.Master),
		Name:    name,
		Payload: messager.ErrorPayload{Err: err},
	})
}

func (c *Client) objectURL(name string) string {
	if strings.HasPrefix(name, "?") {
		return c.baseURL + "/" + name
	}

	return c.baseURL + "/" + path.Join(name)
}

// StageFile downloads the object into a uniquely-named cache file under
// fetched/, per spec.md §4.2.b.
func (c *Client) StageFile(ctx context.Context, source archive.FileState) (archive.SourceHandle, error) {
	resp, err := c.do(ctx, http.MethodGet, source.Name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: stage %s: %w", source.Name, err)
	}
	defer resp.Body.Close()

	cacheName := fmt.Sprintf("%s_%d", objectname.CacheHash(source.Name), time.Now().UnixNano())
	cachePath := filepath.Join(c.settings.FetchedDir(), cacheName)

	if err := writeAtomically(cachePath, resp.Body); err != nil {
		return nil, fmt.Errorf("remote: write staged file %s: %w", cachePath, err)
	}

	info := infoFromHeaders(resp.Header)

	updated := source
	if !archive.Equal(source.Info, info, 0) {
		updated.Info = info
	}

	return &sourceHandle{client: c, cachePath: cachePath, cacheName: cacheName, state: updated}, nil
}

type sourceHandle struct {
	client    *Client
	cachePath string
	cacheName string
	state     archive.FileState
}

func (h *sourceHandle) SendFile(_ context.Context, _ archive.FileState) (string, error) {
	return h.cachePath, nil
}

func (h *sourceHandle) GetSyncedState() archive.FileState { return h.state }

func (h *sourceHandle) UnstageFile(_ context.Context) error {
	return removeIfExists(h.cachePath)
}

// PrepareTarget returns a handle that can PUT/MOVE/DELETE against name.
func (c *Client) PrepareTarget(_ context.Context, target archive.FileState) (archive.TargetHandle, error) {
	return &targetHandle{client: c, target: target}, nil
}

type targetHandle struct {
	client *Client
	target archive.FileState
}

// Pull applies source onto the target object: delete via sentinel-rename,
// directory via zero-byte PUT, file via conditional PUT. File and directory
// PUTs assert against sync's recorded etag, not a freshly probed live value,
// so a target that drifted since sync was last reconciled is caught as a
// collision instead of silently overwritten. The delete's sentinel move is
// conditioned on the live etag probed at the start of Pull.
func (h *targetHandle) Pull(ctx context.Context, source archive.SourceHandle, sync archive.FileState) (archive.FileState, error) {
	c := h.client
	name := h.target.Name

	live, err := c.probeLive(ctx, name)
	if err != nil {
		return archive.FileState{}, err
	}

	sourceState := source.GetSyncedState()

	if sourceState.Absent() {
		return h.pullDelete(ctx, name, live)
	}

	localType, _ := sourceState.Info[archive.InfoLocalType].(string)
	if localType == archive.TypeDir {
		return h.pullDirectory(ctx, name, sync.Info)
	}

	return h.pullFile(ctx, source, name, sync.Info)
}

func (c *Client) probeLive(ctx context.Context, name string) (archive.Info, error) {
	resp, err := c.do(ctx, http.MethodHead, name, nil, nil)
	if err != nil {
		if isNotFound(err) {
			return archive.Info{}, nil
		}

		return nil, fmt.Errorf("remote: probe live %s: %w", name, err)
	}
	defer resp.Body.Close()

	return infoFromHeaders(resp.Header), nil
}

func (h *targetHandle) pullDelete(ctx context.Context, name string, live archive.Info) (archive.FileState, error) {
	if live.Empty() {
		return archive.FileState{Archive: archive.Master, Name: name, Info: archive.Info{}}, nil
	}

	etag, _ := live[archive.InfoRemoteETag].(string)
	sentinel := fmt.Sprintf(".%s.%s", etag, uuid.NewString())

	headers := http.Header{headerIfMatch: []string{etag}, "Destination": []string{sentinel}}

	if _, err := h.client.do(ctx, "MOVE", name, nil, headers); err != nil && !isNotFound(err) {
		if isPreconditionFailed(err) {
			return archive.FileState{}, synerr.NewCollisionError(name, h.target.Serial)
		}

		return archive.FileState{}, fmt.Errorf("remote: move-to-sentinel %s: %w", name, err)
	}

	if _, err := h.client.do(ctx, http.MethodDelete, sentinel, nil, nil); err != nil && !isNotFound(err) {
		return archive.FileState{}, fmt.Errorf("remote: delete sentinel %s: %w", sentinel, err)
	}

	return archive.FileState{Archive: archive.Master, Name: name, Info: archive.Info{}}, nil
}

func (h *targetHandle) pullDirectory(ctx context.Context, name string, sync archive.Info) (archive.FileState, error) {
	headers := http.Header{"Content-Type": []string{contentTypeDirectory}}
	h.setPrecondition(headers, sync)

	resp, err := h.client.do(ctx, http.MethodPut, name, bytes.NewReader(nil), headers)
	if err != nil {
		if isPreconditionFailed(err) {
			return archive.FileState{}, synerr.NewCollisionError(name, h.target.Serial)
		}

		return archive.FileState{}, fmt.Errorf("remote: put directory %s: %w", name, err)
	}
	defer resp.Body.Close()

	return archive.FileState{Archive: archive.Master, Name: name, Info: infoFromHeaders(resp.Header)}, nil
}

func (h *targetHandle) pullFile(ctx context.Context, source archive.SourceHandle, name string, sync archive.Info) (archive.FileState, error) {
	localPath, err := source.SendFile(ctx, h.target)
	if err != nil {
		return archive.FileState{}, fmt.Errorf("remote: send_file %s: %w", name, err)
	}

	data, err := readFile(localPath)
	if err != nil {
		return archive.FileState{}, fmt.Errorf("remote: read staged %s: %w", localPath, err)
	}

	headers := http.Header{"Content-Type": []string{"application/octet-stream"}}
	h.setPrecondition(headers, sync)

	resp, err := h.client.do(ctx, http.MethodPut, name, bytes.NewReader(data), headers)
	if err != nil {
		if isPreconditionFailed(err) {
			return archive.FileState{}, synerr.NewCollisionError(name, h.target.Serial)
		}

		return archive.FileState{}, fmt.Errorf("remote: put file %s: %w", name, err)
	}
	defer resp.Body.Close()

	info := infoFromHeaders(resp.Header)
	if info[archive.InfoRemoteETag] == "" {
		info[archive.InfoRemoteETag] = strconv.Quote(name) // best-effort when the response omits the hash header
	}

	return archive.FileState{Archive: archive.Master, Name: name, Info: info}, nil
}

// setPrecondition asserts the previously recorded SYNC-row etag, not a
// freshly probed live value: the write must fail if the target drifted
// since that state was last reconciled, which is exactly the case a
// fresh probe immediately before the write would paper over.
func (h *targetHandle) setPrecondition(headers http.Header, sync archive.Info) {
	etag, _ := sync[archive.InfoRemoteETag].(string)
	if etag == "" {
		headers.Set(headerIfNoneMatch, "*")
		return
	}

	headers.Set(headerIfMatch, etag)
}

func isPreconditionFailed(err error) bool {
	var se *StoreError
	return asStoreError(err, &se) && se.StatusCode == http.StatusPreconditionFailed
}
