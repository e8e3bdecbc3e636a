// Package work holds the concrete operations run by task executors.
package work

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/phrazzld/xengine/internal/platform/files"
	"github.com/phrazzld/xengine/internal/platform/transport"
	"github.com/phrazzld/xengine/internal/task"
)

const (
	partSuffix = ".part"
	chunkSize  = 32 * 1024
)

// Sender sends HTTP requests
type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Download fetches URL into a managed directory. Bytes are streamed into a
// .part file in DirTmp first; an existing .part file is resumed with a Range
// request. The file is moved to its destination once complete.
type Download struct {
	URL  string
	Dir  files.DirType
	Name string

	sender  Sender
	files   *files.Manager
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ task.Operation = (*Download)(nil)

// Execute implements task.Operation. Progress reports the total number of
// bytes on disk, including resumed ones.
func (d *Download) Execute(ctx context.Context, progress task.ProgressFunc) error {
	part := d.Name + partSuffix
	var offset int64
	if info, err := d.files.Stat(files.DirTmp, part); err == nil {
		offset = info.Size()
	}

	req := transport.NewRequest(http.MethodGet, d.URL)
	req.Offset = offset
	resp, err := d.sender.Send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return task.Failure(err, !errors.Is(err, transport.ErrDisposed))
	}
	defer resp.Close()

	flag := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flag |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The part file already holds everything
		progress(offset)
		return d.finish(part)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		flag |= os.O_TRUNC
		offset = 0
	default:
		return statusFailure(resp.StatusCode, d.URL)
	}

	f, err := d.files.OpenFile(files.DirTmp, part, flag, 0o644)
	if err != nil {
		return task.Failure(fmt.Errorf("failed to open %s: %w", part, err), false)
	}

	d.logger.Debug("download started", "url", d.URL, "offset", offset, "content_length", resp.ContentLength)
	progress(offset)
	written, err := d.copy(ctx, f, resp.Body, func(n int64) { progress(offset + n) })
	if cerr := f.Close(); err == nil && cerr != nil {
		err = task.Failure(fmt.Errorf("failed to close %s: %w", part, cerr), true)
	}
	if err != nil {
		return err
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return task.Failuref(true, "short body from %s: got %d of %d bytes", d.URL, written, resp.ContentLength)
	}
	return d.finish(part)
}

func (d *Download) copy(ctx context.Context, dst io.Writer, src io.Reader, progress func(int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	if d.limiter != nil && d.limiter.Burst() < len(buf) {
		buf = buf[:max(d.limiter.Burst(), 1)]
	}

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, n); err != nil {
					if ctx.Err() != nil {
						return written, ctx.Err()
					}
					return written, task.Failure(err, false)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, task.Failure(fmt.Errorf("failed to write %s: %w", d.Name, err), false)
			}
			written += int64(n)
			progress(written)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, task.Failure(fmt.Errorf("failed to read %s: %w", d.URL, rerr), true)
		}
	}
}

func (d *Download) finish(part string) error {
	if err := d.files.Rename(files.DirTmp, part, d.Dir, d.Name); err != nil {
		return task.Failure(fmt.Errorf("failed to move %s into place: %w", d.Name, err), false)
	}
	d.logger.Info("download complete", "url", d.URL, "name", d.Name)
	return nil
}

// statusFailure classifies an unexpected HTTP status. Server errors and rate
// limiting are worth retrying; other client errors are not.
func statusFailure(code int, url string) error {
	retry := code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	return task.Failuref(retry, "unexpected status %d from %s", code, url)
}

// Downloads creates Download operations sharing a client, storage and
// bandwidth settings.
type Downloads struct {
	sender    Sender
	files     *files.Manager
	rateLimit atomic.Int64
	logger    *slog.Logger
}

// NewDownloads creates a download factory. rateLimit is a per-download byte
// budget per second; zero disables limiting.
func NewDownloads(sender Sender, fm *files.Manager, rateLimit int, logger *slog.Logger) *Downloads {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Downloads{
		sender: sender,
		files:  fm,
		logger: logger.With("component", "download"),
	}
	f.rateLimit.Store(int64(rateLimit))
	return f
}

// SetRateLimit changes the limit for downloads created afterwards
func (f *Downloads) SetRateLimit(bytesPerSecond int) {
	f.rateLimit.Store(int64(bytesPerSecond))
}

// New creates a download of url into the directory dir under name
func (f *Downloads) New(url string, dir files.DirType, name string) *Download {
	d := &Download{
		URL:    url,
		Dir:    dir,
		Name:   name,
		sender: f.sender,
		files:  f.files,
		logger: f.logger.With("name", name),
	}
	if limit := int(f.rateLimit.Load()); limit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(limit), min(limit, chunkSize))
	}
	return d
}
