package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/transfer"
	"github.com/italolelis/downloadmanager/internal/transfer/progress"
)

const (
	filePerm   = 0o644
	bufferSize = 32 * 1024
)

// remoteInfo is what a HEAD request learned about the resource.
type remoteInfo struct {
	size         int64 // -1 when unknown
	acceptRanges bool
	validator    string // strong ETag or Last-Modified, usable in If-Range
	name         string
}

func (e *Engine) run(ctx context.Context, j *job, events chan<- transfer.Event) {
	defer close(j.done)

	logger := logctx.LoggerFromContext(ctx)

	err := e.download(ctx, j, events)

	switch {
	case err == nil:
		e.forget(j)
	case ctx.Err() != nil:
		logger.Debug("http transfer stopped", "downloaded", humanize.Bytes(uint64(j.lastCheckpoint())))
	default:
		logger.Error("http transfer failed", "err", err, "failure", transfer.Classify(err).String())

		cp := j.resumePoint()

		transfer.Emit(ctx, events, transfer.Event{
			Type:            transfer.EventFailed,
			Link:            j.spec.Link,
			RequestID:       j.requestID,
			DownloadedBytes: cp.DownloadedBytes,
			TotalBytes:      -1,
			Validator:       cp.Validator,
			Rewound:         cp.Rewound,
			Err:             err,
		})
	}
}

func (e *Engine) download(ctx context.Context, j *job, events chan<- transfer.Event) error {
	logger := logctx.LoggerFromContext(ctx)

	info, err := e.head(ctx, j.spec.Link)
	if err != nil {
		return err
	}

	if j.spec.Name == "" {
		j.spec.Name = info.name
	}

	name := fileName(j.spec)

	total := info.size
	if total < 0 {
		total = j.spec.TotalBytes
	}

	transfer.Emit(ctx, events, transfer.Event{
		Type:       transfer.EventMetadata,
		Link:       j.spec.Link,
		RequestID:  j.requestID,
		Name:       name,
		TotalBytes: total,
		Files:      []transfer.File{{Path: name, Size: total, Selected: true}},
	})

	target := filepath.Join(j.spec.Destination, name)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return destinationError(j.spec.Destination, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return destinationError(j.spec.Destination, err)
	}

	offset, validator := resumeOffset(j.resumePoint(), fi.Size(), info, total)

	w := &checkpointWriter{
		f:          f,
		dir:        j.spec.Destination,
		everyBytes: e.opts.CheckpointBytes,
		every:      e.opts.CheckpointInterval,
		onCheckpoint: func(n int64) {
			j.setCheckpoint(n)
			emitCheckpoint(ctx, j, events, total)
		},
	}

	if err := w.reset(offset); err != nil {
		return err
	}

	rewound := offset < j.lastCheckpoint()

	j.rewind(offset, validator)

	if rewound {
		logger.Warn("discarding bytes that cannot be resumed",
			"checkpoint", j.spec.DownloadedBytes, "on_disk", fi.Size(), "offset", offset)

		emitCheckpoint(ctx, j, events, total)
	}

	logger.Info("downloading file", "target", target, "offset", humanize.Bytes(uint64(offset)),
		"total", describeSize(total))

	if total < 0 || offset < total {
		fetch := func() (struct{}, error) {
			return struct{}{}, e.fetch(ctx, j, w, info, total, events)
		}

		_, err = backoff.Retry(ctx, fetch,
			backoff.WithBackOff(e.opts.NewBackOff()),
			backoff.WithMaxTries(e.opts.RetryAttempts),
		)
		if err != nil {
			if ctx.Err() != nil {
				// paused or cancelled: leave a durable resume point behind
				if serr := w.f.Sync(); serr == nil {
					j.setCheckpoint(w.written)
				}

				return ctx.Err()
			}

			return err
		}
	}

	if err := w.f.Sync(); err != nil {
		return destinationError(w.dir, err)
	}

	j.setCheckpoint(w.written)

	logger.Info("downloaded and saved file", "target", target, "size", humanize.Bytes(uint64(w.written)))

	cp := j.resumePoint()

	transfer.Emit(ctx, events, transfer.Event{
		Type:            transfer.EventCompleted,
		Link:            j.spec.Link,
		RequestID:       j.requestID,
		Name:            name,
		TotalBytes:      w.written,
		DownloadedBytes: w.written,
		Validator:       cp.Validator,
		Rewound:         cp.Rewound,
	})

	return nil
}

// resumeOffset picks where a job continues writing. It never trusts a
// checkpoint past the bytes actually on disk and starts over when the server
// cannot serve ranges or the remote version changed since the checkpoint.
func resumeOffset(cp transfer.Checkpoint, onDisk int64, info remoteInfo, total int64) (int64, string) {
	offset := min(cp.DownloadedBytes, onDisk)

	switch {
	case !info.acceptRanges,
		total >= 0 && offset > total,
		cp.Validator != "" && info.validator != "" && cp.Validator != info.validator:
		offset = 0
	}

	if offset == 0 || cp.Validator == "" {
		return offset, info.validator
	}

	return offset, cp.Validator
}

func emitCheckpoint(ctx context.Context, j *job, events chan<- transfer.Event, total int64) {
	cp := j.resumePoint()

	transfer.Emit(ctx, events, transfer.Event{
		Type:            transfer.EventCheckpoint,
		Link:            j.spec.Link,
		RequestID:       j.requestID,
		TotalBytes:      total,
		DownloadedBytes: cp.DownloadedBytes,
		Validator:       cp.Validator,
		Rewound:         cp.Rewound,
	})
}

// head issues a HEAD request. Servers that refuse HEAD are treated as having
// an unknown size and no range support.
func (e *Engine) head(ctx context.Context, link string) (remoteInfo, error) {
	op := func() (remoteInfo, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
		if err != nil {
			return remoteInfo{}, backoff.Permanent(&transfer.InvalidLinkError{Link: link, Reason: "cannot build request", Err: err})
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return remoteInfo{}, &transfer.NetworkError{Operation: "head", Message: err.Error(), Err: err}
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
			return remoteInfo{size: -1}, nil
		}

		if err := statusError("head", resp); err != nil {
			return remoteInfo{}, err
		}

		info := remoteInfo{
			size:         resp.ContentLength,
			acceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			validator:    validatorOf(resp.Header),
			name:         dispositionName(resp.Header),
		}

		return info, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(e.opts.NewBackOff()),
		backoff.WithMaxTries(e.opts.RetryAttempts),
	)
}

// fetch streams the remainder of the resource into w, resuming at w.written.
// Network failures are retryable; destination failures are not.
func (e *Engine) fetch(ctx context.Context, j *job, w *checkpointWriter, info remoteInfo, total int64, events chan<- transfer.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.spec.Link, nil)
	if err != nil {
		return backoff.Permanent(&transfer.InvalidLinkError{Link: j.spec.Link, Reason: "cannot build request", Err: err})
	}

	offset := w.written
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

		// the version the bytes on disk came from, not what HEAD saw
		if v := j.resumePoint().Validator; v != "" {
			req.Header.Set("If-Range", v)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		return &transfer.NetworkError{Operation: "fetch", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// range ignored or validator changed: start over
			if err := w.reset(0); err != nil {
				return backoff.Permanent(err)
			}

			validator := validatorOf(resp.Header)
			if validator == "" {
				validator = info.validator
			}

			j.rewind(0, validator)
			emitCheckpoint(ctx, j, events, total)
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && total >= 0 && offset >= total:
		return nil
	default:
		if err := statusError("fetch", resp); err != nil {
			return err
		}

		return backoff.Permanent(&transfer.NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, Message: "unexpected status " + resp.Status})
	}

	pr := progress.NewReader(resp.Body, w.written, 0, e.opts.ProgressInterval, func(read, bps int64) {
		transfer.Emit(ctx, events, transfer.Event{
			Type:            transfer.EventProgress,
			Link:            j.spec.Link,
			RequestID:       j.requestID,
			TotalBytes:      total,
			DownloadedBytes: read,
			BytesPerSecond:  bps,
			Description:     describe(read, total, bps),
		})
	})

	buf := make([]byte, bufferSize)

	for {
		n, rerr := pr.Read(buf)
		if n > 0 {
			if err := w.write(buf[:n]); err != nil {
				return backoff.Permanent(err)
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			return &transfer.NetworkError{Operation: "read_body", Message: rerr.Error(), Err: rerr}
		}
	}

	if total >= 0 && w.written < total {
		return &transfer.NetworkError{
			Operation: "read_body",
			Message:   fmt.Sprintf("body ended at %d of %d bytes", w.written, total),
		}
	}

	return nil
}

// checkpointWriter writes to the partial file and fsyncs it at a bounded
// cadence, reporting every durable offset.
type checkpointWriter struct {
	f            *os.File
	dir          string
	written      int64
	synced       int64
	syncedAt     time.Time
	everyBytes   int64
	every        time.Duration
	onCheckpoint func(n int64)
}

func (w *checkpointWriter) reset(offset int64) error {
	if err := w.f.Truncate(offset); err != nil {
		return destinationError(w.dir, err)
	}

	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		return destinationError(w.dir, err)
	}

	w.written = offset
	w.synced = offset
	w.syncedAt = time.Now()

	return nil
}

func (w *checkpointWriter) write(p []byte) error {
	n, err := w.f.Write(p)
	w.written += int64(n)

	if err != nil {
		return destinationError(w.dir, err)
	}

	if w.written-w.synced >= w.everyBytes || time.Since(w.syncedAt) >= w.every {
		return w.checkpoint()
	}

	return nil
}

func (w *checkpointWriter) checkpoint() error {
	if err := w.f.Sync(); err != nil {
		return destinationError(w.dir, err)
	}

	w.synced = w.written
	w.syncedAt = time.Now()

	if w.onCheckpoint != nil {
		w.onCheckpoint(w.written)
	}

	return nil
}

// destinationError reports a local file failure. Any failure to write the
// partial file is a destination failure, whatever the errno.
func destinationError(dir string, err error) error {
	return &transfer.DestinationError{Path: dir, Reason: err.Error(), Err: err}
}

// statusError maps an HTTP status to an error. Server errors and throttling
// are retryable; other client errors are permanent.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	err := &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: resp.Status}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}

	return backoff.Permanent(err)
}

// validatorOf returns a validator usable in If-Range. Weak ETags are not.
func validatorOf(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}

	return h.Get("Last-Modified")
}

func dispositionName(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}

	return params["filename"]
}

// fileName returns the single file name a job writes under its destination.
func fileName(spec transfer.Spec) string {
	if spec.Name != "" {
		return sanitize(spec.Name)
	}

	return nameFromLink(spec.Link)
}

func nameFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "download"
	}

	base := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}

	return sanitize(base)
}

func sanitize(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "download"
	}

	return name
}

func describeSize(total int64) string {
	if total < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(total))
}

func describe(read, total, bps int64) string {
	if total < 0 {
		return fmt.Sprintf("%s, %s/s", humanize.Bytes(uint64(read)), humanize.Bytes(uint64(bps)))
	}

	return fmt.Sprintf("%s / %s, %s/s", humanize.Bytes(uint64(read)), humanize.Bytes(uint64(total)), humanize.Bytes(uint64(bps)))
}
