package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback.
// Reports are throttled: a callback fires when at least minBytes were read or
// interval elapsed since the last one, whichever comes first.
type Reader struct {
	Reader     io.Reader
	OnProgress func(read int64, bytesPerSecond int64)

	totalRead  int64 // cumulative total, including the starting offset
	lastBytes  int64 // totalRead at the last report
	lastReport time.Time
	minBytes   int64
	interval   time.Duration
	now        func() time.Time
}

// NewReader creates a reader starting at offset bytes already acquired.
func NewReader(r io.Reader, offset, minBytes int64, interval time.Duration, cb func(read, bytesPerSecond int64)) *Reader {
	pr := &Reader{
		Reader:     r,
		OnProgress: cb,
		totalRead:  offset,
		lastBytes:  offset,
		minBytes:   minBytes,
		interval:   interval,
		now:        time.Now,
	}
	pr.lastReport = pr.now()

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.maybeReport()
	}

	return n, err
}

// Total returns the bytes read so far, including the starting offset.
func (pr *Reader) Total() int64 {
	return pr.totalRead
}

func (pr *Reader) maybeReport() {
	now := pr.now()
	elapsed := now.Sub(pr.lastReport)
	delta := pr.totalRead - pr.lastBytes

	if (pr.minBytes <= 0 || delta < pr.minBytes) && elapsed < pr.interval {
		return
	}

	var speed int64
	if elapsed > 0 {
		speed = int64(float64(delta) / elapsed.Seconds())
	}

	pr.lastReport = now
	pr.lastBytes = pr.totalRead

	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, speed)
	}
}
