package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

func (e *Engine) run(ctx context.Context, j *job, att *attachment, events chan<- transfer.Event, seedOnly bool) {
	defer close(j.done)

	logger := logctx.LoggerFromContext(ctx)

	if !seedOnly {
		err := e.download(ctx, j, att, events)

		switch {
		case err == nil:
		case ctx.Err() != nil:
			logger.Debug("swarm transfer stopped", "acquired", humanize.Bytes(uint64(att.acquired())))

			return
		default:
			logger.Error("swarm transfer failed", "err", err, "failure", transfer.Classify(err).String())

			att.sess.StopDownload()

			transfer.Emit(ctx, events, transfer.Event{
				Type:            transfer.EventFailed,
				Link:            j.spec.Link,
				RequestID:       j.requestID,
				DownloadedBytes: att.acquired(),
				TotalBytes:      -1,
				Err:             err,
			})

			return
		}

		if !e.opts.Seed {
			att.sess.StopUpload()

			return
		}

		transfer.Emit(ctx, events, transfer.Event{
			Type:        transfer.EventSeeding,
			Link:        j.spec.Link,
			RequestID:   j.requestID,
			Description: "seeding",
		})
	}

	e.seed(ctx, att)
}

func (e *Engine) download(ctx context.Context, j *job, att *attachment, events chan<- transfer.Event) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := e.awaitInfo(ctx, att); err != nil {
		return err
	}

	att.applySelection()

	total := att.sess.Length()
	name := att.sess.Name()
	j.spec.Name = name

	transfer.Emit(ctx, events, transfer.Event{
		Type:       transfer.EventMetadata,
		Link:       j.spec.Link,
		RequestID:  j.requestID,
		Name:       name,
		TotalBytes: total,
		Files:      att.sess.Files(),
	})

	logger.Info("downloading torrent", "name", name, "size", humanize.Bytes(uint64(total)))

	att.sess.StartDownload()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	last := att.acquired()
	lastAt := time.Now()
	checkpointAt := lastAt

	for {
		select {
		case <-ctx.Done():
			att.sess.StopDownload()

			return ctx.Err()
		case now := <-ticker.C:
			if err := checkDestination(att.dir); err != nil {
				att.sess.StopDownload()

				return err
			}

			acquired := att.acquired()

			var bps int64
			if elapsed := now.Sub(lastAt); elapsed > 0 {
				bps = int64(float64(acquired-last) / elapsed.Seconds())
			}

			last, lastAt = acquired, now

			transfer.Emit(ctx, events, transfer.Event{
				Type:            transfer.EventProgress,
				Link:            j.spec.Link,
				RequestID:       j.requestID,
				TotalBytes:      total,
				DownloadedBytes: acquired,
				BytesPerSecond:  bps,
				Description: fmt.Sprintf("%s / %s, %s/s",
					humanize.Bytes(uint64(acquired)), humanize.Bytes(uint64(total)), humanize.Bytes(uint64(bps))),
			})

			complete := acquired >= total

			if complete || now.Sub(checkpointAt) >= e.opts.CheckpointInterval {
				checkpointAt = now

				cp, err := e.checkpoint(j.spec, att)
				if err != nil {
					logger.Warn("failed to snapshot swarm session", "err", err)
				} else {
					transfer.Emit(ctx, events, transfer.Event{
						Type:            transfer.EventCheckpoint,
						Link:            j.spec.Link,
						RequestID:       j.requestID,
						TotalBytes:      total,
						DownloadedBytes: cp.DownloadedBytes,
						Snapshot:        cp.Snapshot,
					})
				}
			}

			if complete {
				logger.Info("torrent completed", "name", name)

				transfer.Emit(ctx, events, transfer.Event{
					Type:            transfer.EventCompleted,
					Link:            j.spec.Link,
					RequestID:       j.requestID,
					Name:            name,
					TotalBytes:      total,
					DownloadedBytes: total,
				})

				return nil
			}
		}
	}
}

func (e *Engine) awaitInfo(ctx context.Context, att *attachment) error {
	var timeout <-chan time.Time

	if e.opts.MetadataTimeout > 0 {
		timer := time.NewTimer(e.opts.MetadataTimeout)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case <-att.sess.GotInfo():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return &transfer.NetworkError{Operation: "metadata", Message: "timed out waiting for torrent metadata"}
	}
}

// seed keeps the session uploading until the worker is stopped.
func (e *Engine) seed(ctx context.Context, att *attachment) {
	logctx.LoggerFromContext(ctx).Info("seeding torrent", "name", att.sess.Name())

	att.sess.StartUpload()

	<-ctx.Done()

	att.sess.StopUpload()
}
