package httpengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// Options tunes the HTTP engine.
type Options struct {
	// CheckpointBytes forces a durable checkpoint after this many bytes.
	CheckpointBytes int64
	// CheckpointInterval forces a durable checkpoint after this much time.
	CheckpointInterval time.Duration
	// ProgressInterval throttles progress events.
	ProgressInterval time.Duration
	// RetryAttempts bounds the attempts per request, including the first.
	RetryAttempts uint
	// NewBackOff builds the retry schedule of one request.
	NewBackOff func() backoff.BackOff
	// Client performs the requests. Defaults to a client without compression.
	Client *http.Client
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		CheckpointBytes:    8 << 20,
		CheckpointInterval: 5 * time.Second,
		ProgressInterval:   time.Second,
		RetryAttempts:      5,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

type job struct {
	requestID string
	spec      transfer.Spec
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	checkpoint int64  // last fsynced offset
	validator  string // remote version of the bytes below checkpoint
	rewound    bool   // checkpoint fell below one already reported
}

func (j *job) setCheckpoint(n int64) {
	j.mu.Lock()
	j.checkpoint = n
	j.mu.Unlock()
}

// rewind restarts the job's durable offset at n for the remote version validator.
func (j *job) rewind(n int64, validator string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n < j.checkpoint {
		j.rewound = true
	}

	j.checkpoint = n
	j.validator = validator
}

func (j *job) lastCheckpoint() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.checkpoint
}

func (j *job) resumePoint() transfer.Checkpoint {
	j.mu.Lock()
	defer j.mu.Unlock()

	return transfer.Checkpoint{DownloadedBytes: j.checkpoint, Validator: j.validator, Rewound: j.rewound}
}

// Engine fetches single files over HTTP with ranged resume.
type Engine struct {
	client *http.Client
	opts   Options

	mu   sync.Mutex
	jobs map[string]*job
}

var _ transfer.Engine = (*Engine)(nil)

// New creates an HTTP engine.
func New(opts Options) *Engine {
	def := DefaultOptions()

	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = def.CheckpointBytes
	}

	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = def.CheckpointInterval
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}

	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = def.RetryAttempts
	}

	if opts.NewBackOff == nil {
		opts.NewBackOff = def.NewBackOff
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true, // raw bytes for range requests
			},
		}
	}

	return &Engine{
		client: client,
		opts:   opts,
		jobs:   make(map[string]*job),
	}
}

func (e *Engine) Kind() task.Kind { return task.KindHTTP }

// Validate accepts absolute http and https URLs.
func (e *Engine) Validate(_ context.Context, link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return &transfer.InvalidLinkError{Link: link, Reason: "malformed url", Err: err}
	}

	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return &transfer.InvalidLinkError{Link: link, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if u.Host == "" {
		return &transfer.InvalidLinkError{Link: link, Reason: "missing host"}
	}

	return nil
}

// Start launches a worker for spec under a fresh request id.
func (e *Engine) Start(ctx context.Context, spec transfer.Spec, events chan<- transfer.Event) (string, error) {
	if err := e.Validate(ctx, spec.Link); err != nil {
		return "", err
	}

	j := &job{
		requestID:  uuid.NewString(),
		spec:       spec,
		done:       make(chan struct{}),
		checkpoint: spec.DownloadedBytes,
		validator:  spec.Validator,
	}

	// The worker outlives the caller's request; it is bound to its own
	// cancel func and keeps only the logger.
	workerCtx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logctx.LoggerFromContext(ctx)))
	workerCtx = logctx.WithTask(workerCtx, spec.Link, j.requestID)
	j.cancel = cancel

	e.mu.Lock()
	e.jobs[j.requestID] = j
	e.mu.Unlock()

	go e.run(workerCtx, j, events)

	return j.requestID, nil
}

// Pause stops the worker and returns its last durable checkpoint. The job is
// forgotten; a later Start resumes from the returned checkpoint.
func (e *Engine) Pause(_ context.Context, requestID string) (transfer.Checkpoint, error) {
	j, err := e.stop(requestID)
	if err != nil {
		return transfer.Checkpoint{}, err
	}

	e.forget(j)

	return j.resumePoint(), nil
}

// Cancel stops the worker and forgets the job. Removing the partial file is
// left to the caller, after Cancel returned.
func (e *Engine) Cancel(_ context.Context, requestID string) error {
	if _, err := e.stop(requestID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.jobs, requestID)
	e.mu.Unlock()

	return nil
}

// Retry restarts a stopped job from its last checkpoint under a new request id.
func (e *Engine) Retry(ctx context.Context, requestID string, events chan<- transfer.Event) (string, error) {
	j, err := e.stop(requestID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	delete(e.jobs, requestID)
	e.mu.Unlock()

	cp := j.resumePoint()

	spec := j.spec
	spec.DownloadedBytes = cp.DownloadedBytes
	spec.Validator = cp.Validator

	return e.Start(ctx, spec, events)
}

// Paths returns the single file a job writes.
func (e *Engine) Paths(spec transfer.Spec) []string {
	return []string{fileName(spec)}
}

// Close stops every worker.
func (e *Engine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_, _ = e.stop(id)
	}

	return nil
}

func (e *Engine) stop(requestID string) (*job, error) {
	e.mu.Lock()
	j, ok := e.jobs[requestID]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", transfer.ErrUnknownRequest, requestID)
	}

	j.cancel()
	<-j.done

	return j, nil
}

// forget drops a completed or paused job. Failed jobs stay around for Retry.
func (e *Engine) forget(j *job) {
	e.mu.Lock()
	delete(e.jobs, j.requestID)
	e.mu.Unlock()
}
