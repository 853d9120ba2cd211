package swarm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// Options tunes the swarm engine.
type Options struct {
	// PollInterval is how often a worker samples session progress.
	PollInterval time.Duration
	// CheckpointInterval bounds how often a snapshot is produced.
	CheckpointInterval time.Duration
	// MetadataTimeout fails a magnet that resolves no metadata in time. Zero waits forever.
	MetadataTimeout time.Duration
	// Seed keeps completed sessions uploading.
	Seed bool
	// HTTPClient fetches remote .torrent files.
	HTTPClient *http.Client
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:       time.Second,
		CheckpointInterval: 30 * time.Second,
	}
}

// attachment is a session bound to a link.
type attachment struct {
	link string
	dir  string
	sess Session

	mu      sync.Mutex
	pending map[string]int64 // on-disk files to skip once metadata is known; -1 trusts the snapshot
	skipped map[string]int64 // applied skips and their sizes
}

type job struct {
	requestID string
	spec      transfer.Spec
	cancel    context.CancelFunc
	done      chan struct{}
}

// Engine runs swarm transfers on top of a Client.
type Engine struct {
	client     Client
	opts       Options
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*attachment // by link
	jobs     map[string]*job        // by request id
}

var _ transfer.SwarmEngine = (*Engine)(nil)

// New creates a swarm engine.
func New(client Client, opts Options) *Engine {
	def := DefaultOptions()

	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}

	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = def.CheckpointInterval
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Engine{
		client:     client,
		opts:       opts,
		httpClient: httpClient,
		sessions:   make(map[string]*attachment),
		jobs:       make(map[string]*job),
	}
}

func (e *Engine) Kind() task.Kind { return task.KindSwarm }

// Validate accepts magnet uris and torrent references whose metainfo decodes.
func (e *Engine) Validate(ctx context.Context, link string) error {
	kind, err := classifyLink(link)
	if err != nil {
		return err
	}

	if kind == linkMagnet {
		return nil
	}

	_, err = e.loadTorrent(ctx, link, kind)

	return err
}

// AddFromLink attaches an idle session without starting any transfer.
func (e *Engine) AddFromLink(ctx context.Context, spec transfer.Spec) (string, error) {
	if _, err := e.attach(ctx, spec); err != nil {
		return "", err
	}

	j := &job{requestID: uuid.NewString(), spec: spec, done: make(chan struct{})}
	close(j.done)

	e.mu.Lock()
	e.jobs[j.requestID] = j
	e.mu.Unlock()

	return j.requestID, nil
}

// Start attaches the session if needed and downloads it under a fresh request id.
func (e *Engine) Start(ctx context.Context, spec transfer.Spec, events chan<- transfer.Event) (string, error) {
	att, err := e.attach(ctx, spec)
	if err != nil {
		return "", err
	}

	return e.launch(ctx, spec, att, events, false), nil
}

// Pause stops the worker, halts the session and returns a snapshot.
func (e *Engine) Pause(_ context.Context, requestID string) (transfer.Checkpoint, error) {
	j, att, err := e.stop(requestID)
	if err != nil {
		return transfer.Checkpoint{}, err
	}

	att.sess.StopDownload()
	att.sess.StopUpload()

	return e.checkpoint(j.spec, att)
}

// PauseSeeding stops uploading a completed session.
func (e *Engine) PauseSeeding(ctx context.Context, requestID string) (transfer.Checkpoint, error) {
	return e.Pause(ctx, requestID)
}

// ResumeSeeding starts uploading again under a fresh request id.
func (e *Engine) ResumeSeeding(ctx context.Context, requestID string, events chan<- transfer.Event) (string, error) {
	j, att, err := e.stop(requestID)
	if err != nil {
		return "", err
	}

	e.forget(requestID)

	return e.launch(ctx, j.spec, att, events, true), nil
}

// Cancel stops the worker and drops the session. Removing the data is left
// to the caller, after Cancel returned.
func (e *Engine) Cancel(_ context.Context, requestID string) error {
	j, att, err := e.stop(requestID)
	if err != nil {
		return err
	}

	att.sess.Drop()

	e.mu.Lock()
	delete(e.sessions, j.spec.Link)

	for id, other := range e.jobs {
		if other.spec.Link == j.spec.Link {
			delete(e.jobs, id)
		}
	}
	e.mu.Unlock()

	return nil
}

// Retry resumes a stopped or failed session under a fresh request id.
func (e *Engine) Retry(ctx context.Context, requestID string, events chan<- transfer.Event) (string, error) {
	j, att, err := e.stop(requestID)
	if err != nil {
		return "", err
	}

	e.forget(requestID)

	return e.launch(ctx, j.spec, att, events, false), nil
}

// ReconcileFiles marks files already complete on disk as not wanted so their
// pieces are not requested again. Their bytes count as acquired.
func (e *Engine) ReconcileFiles(_ context.Context, link string, onDisk []transfer.File) error {
	e.mu.Lock()
	att, ok := e.sessions[link]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no session for %s", transfer.ErrUnknownRequest, link)
	}

	att.mu.Lock()
	for _, f := range onDisk {
		att.pending[f.Path] = f.Size
	}
	att.mu.Unlock()

	select {
	case <-att.sess.GotInfo():
		att.applySelection()
	default:
	}

	return nil
}

// Paths returns the top-level path a session stores its data under.
func (e *Engine) Paths(spec transfer.Spec) []string {
	name := spec.Name

	if name == "" && len(spec.Snapshot) > 0 {
		if snap, err := DecodeSnapshot(spec.Snapshot); err == nil {
			name = snap.Name
		}
	}

	if name == "" {
		e.mu.Lock()
		att, ok := e.sessions[spec.Link]
		e.mu.Unlock()

		if ok {
			select {
			case <-att.sess.GotInfo():
				name = att.sess.Name()
			default:
			}
		}
	}

	if name == "" {
		return nil
	}

	return []string{name}
}

// Close stops every worker and shuts the client down.
func (e *Engine) Close() error {
	e.mu.Lock()
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	var g errgroup.Group

	for _, j := range jobs {
		g.Go(func() error {
			if j.cancel != nil {
				j.cancel()
			}

			<-j.done

			return nil
		})
	}

	_ = g.Wait()

	return e.client.Close()
}

func (e *Engine) attach(ctx context.Context, spec transfer.Spec) (*attachment, error) {
	e.mu.Lock()
	att, ok := e.sessions[spec.Link]
	e.mu.Unlock()

	if ok {
		return att, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	kind, err := classifyLink(spec.Link)
	if err != nil {
		return nil, err
	}

	if err := checkDestination(spec.Destination); err != nil {
		return nil, err
	}

	var snap *Snapshot

	if len(spec.Snapshot) > 0 {
		snap, err = DecodeSnapshot(spec.Snapshot)
		if err != nil {
			logger.Warn("ignoring unreadable session snapshot", "link", spec.Link, "err", err)
		}
	}

	var sess Session

	switch {
	case snap != nil && snap.Metainfo != "":
		sess, err = e.client.AddTorrent([]byte(snap.Metainfo), spec.Destination)
	case kind == linkMagnet:
		sess, err = e.client.AddMagnet(spec.Link, spec.Destination)
	default:
		var data []byte

		data, err = e.loadTorrent(ctx, spec.Link, kind)
		if err != nil {
			return nil, err
		}

		sess, err = e.client.AddTorrent(data, spec.Destination)
	}

	if err != nil {
		return nil, &transfer.NetworkError{Operation: "add_session", Message: err.Error(), Err: err}
	}

	att = &attachment{
		link:    spec.Link,
		dir:     spec.Destination,
		sess:    sess,
		pending: make(map[string]int64),
		skipped: make(map[string]int64),
	}

	if snap != nil {
		for _, p := range snap.Skipped {
			att.pending[p] = -1
		}
	}

	e.mu.Lock()
	e.sessions[spec.Link] = att
	e.mu.Unlock()

	logger.Debug("swarm session attached", "link", spec.Link, "info_hash", sess.InfoHash(), "from_snapshot", snap != nil)

	return att, nil
}

func (e *Engine) launch(ctx context.Context, spec transfer.Spec, att *attachment, events chan<- transfer.Event, seedOnly bool) string {
	j := &job{requestID: uuid.NewString(), spec: spec, done: make(chan struct{})}

	workerCtx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logctx.LoggerFromContext(ctx)))
	workerCtx = logctx.WithTask(workerCtx, spec.Link, j.requestID)
	j.cancel = cancel

	e.mu.Lock()
	e.retireLocked(spec.Link)
	e.jobs[j.requestID] = j
	e.mu.Unlock()

	go e.run(workerCtx, j, att, events, seedOnly)

	return j.requestID
}

func (e *Engine) stop(requestID string) (*job, *attachment, error) {
	e.mu.Lock()
	j, ok := e.jobs[requestID]

	var att *attachment
	if ok {
		att = e.sessions[j.spec.Link]
	}
	e.mu.Unlock()

	if !ok || att == nil {
		return nil, nil, fmt.Errorf("%w: %s", transfer.ErrUnknownRequest, requestID)
	}

	if j.cancel != nil {
		j.cancel()
	}

	<-j.done

	return j, att, nil
}

func (e *Engine) forget(requestID string) {
	e.mu.Lock()
	delete(e.jobs, requestID)
	e.mu.Unlock()
}

// retireLocked drops the stopped jobs of link once a new worker replaces them.
// Idle jobs from AddFromLink and paused ones are kept until then so their ids
// stay usable for ResumeSeeding and Retry.
func (e *Engine) retireLocked(link string) {
	for id, j := range e.jobs {
		if j.spec.Link != link {
			continue
		}

		select {
		case <-j.done:
			delete(e.jobs, id)
		default:
		}
	}
}

func (e *Engine) checkpoint(spec transfer.Spec, att *attachment) (transfer.Checkpoint, error) {
	snap := att.snapshot(spec)

	blob, err := snap.Encode()
	if err != nil {
		return transfer.Checkpoint{}, err
	}

	return transfer.Checkpoint{DownloadedBytes: snap.BytesCompleted, Snapshot: blob}, nil
}

// acquired counts verified bytes plus the files skipped as already on disk.
func (a *attachment) acquired() int64 {
	n := a.sess.BytesCompleted()

	a.mu.Lock()
	for _, size := range a.skipped {
		n += size
	}
	a.mu.Unlock()

	return n
}

// applySelection deselects pending files whose on-disk size matches. Must
// only be called once metadata is known.
func (a *attachment) applySelection() {
	files := a.sess.Files()

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range files {
		size, ok := a.pending[f.Path]
		if !ok {
			continue
		}

		delete(a.pending, f.Path)

		if size != -1 && size != f.Size {
			continue
		}

		a.skipped[f.Path] = f.Size
		a.sess.SetFileSelected(f.Path, false)
	}
}

func (a *attachment) snapshot(spec transfer.Spec) *Snapshot {
	snap := &Snapshot{
		Link:     spec.Link,
		InfoHash: a.sess.InfoHash(),
		Name:     spec.Name,
	}

	select {
	case <-a.sess.GotInfo():
	default:
		return snap
	}

	snap.Name = a.sess.Name()
	snap.BytesCompleted = a.acquired()

	if mi, err := a.sess.Metainfo(); err == nil {
		snap.Metainfo = string(mi)
	}

	for _, f := range a.sess.Files() {
		snap.Files = append(snap.Files, SnapshotFile{Path: f.Path, Size: f.Size})
	}

	a.mu.Lock()
	for p := range a.skipped {
		snap.Skipped = append(snap.Skipped, p)
	}
	a.mu.Unlock()

	slices.Sort(snap.Skipped)

	return snap
}

func checkDestination(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return &transfer.DestinationError{Path: dir, Reason: err.Error(), Err: err}
	}

	if !fi.IsDir() {
		return &transfer.DestinationError{Path: dir, Reason: "not a directory"}
	}

	return nil
}
