// Package loader lazily decodes stored images for scrolling views. Decodes
// run one at a time and only while the view is idle; a view slot that is
// recycled for another image never receives the old image.
package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/phrazzld/xengine/internal/platform/files"
	"github.com/phrazzld/xengine/internal/platform/imaging"
	"github.com/phrazzld/xengine/internal/serial"
)

// ErrLoadCancelled is returned by Fetch when its decode was dropped before
// producing a result
var ErrLoadCancelled = errors.New("image load cancelled")

// DeliverFunc receives the decoded image, or the error that prevented it
type DeliverFunc func(img image.Image, err error)

// ScrollLoader loads images from one managed directory through a memory
// cache and a serial decode queue.
type ScrollLoader struct {
	files   *files.Manager
	dir     files.DirType
	decoder *imaging.Decoder
	cache   *imaging.Cache

	queue  *serial.Queue
	binder *serial.Binder
	logger *slog.Logger
}

// New creates a loader for images stored in dir. The loader starts idle, so
// queued decodes run as soon as they are requested.
func New(fm *files.Manager, dir files.DirType, decoder *imaging.Decoder, cache *imaging.Cache, config serial.QueueConfig, logger *slog.Logger) *ScrollLoader {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scroll_loader")
	queue := serial.NewQueue(config, logger)
	queue.Start()
	return &ScrollLoader{
		files:   fm,
		dir:     dir,
		decoder: decoder,
		cache:   cache,
		queue:   queue,
		binder:  serial.NewBinder(queue),
		logger:  logger,
	}
}

// Load shows name at size in slot. A cached image is delivered before Load
// returns and false is returned; otherwise a decode is queued for the slot and
// Load returns true. deliver is called at most once per queued decode, never
// after the slot was rebound, and must not call back into the loader.
func (l *ScrollLoader) Load(slot, name string, size imaging.Size, deliver DeliverFunc) bool {
	if img, ok := l.cache.Get(name, size); ok {
		// Anything still queued for this slot is stale now
		l.binder.Unbind(slot)
		deliver(img, nil)
		return false
	}

	request := name + "@" + size.String()
	_, created := l.binder.Bind(slot, request, func(ctx context.Context, tok *serial.Token) error {
		img, err := l.decode(ctx, name, size)
		l.binder.Deliver(slot, tok, func() { deliver(img, err) })
		return err
	})
	if created {
		l.logger.Debug("decode queued", "slot", slot, "request", request)
		l.queue.TryStart()
	}
	return true
}

// Fetch decodes name at size through the decode queue and waits for the
// result. slot must be unique to the caller. If ctx ends first the queued or
// running decode is cancelled; ErrLoadCancelled is returned when the loader
// dropped the decode without running it.
func (l *ScrollLoader) Fetch(ctx context.Context, slot, name string, size imaging.Size) (image.Image, error) {
	if img, ok := l.cache.Get(name, size); ok {
		return img, nil
	}

	type result struct {
		img image.Image
		err error
	}
	results := make(chan result, 1)
	request := name + "@" + size.String()
	tok, created := l.binder.Bind(slot, request, func(ctx context.Context, tok *serial.Token) error {
		img, err := l.decode(ctx, name, size)
		l.binder.Deliver(slot, tok, func() { results <- result{img, err} })
		return err
	})
	if !created {
		return nil, fmt.Errorf("%w: slot %s is busy", ErrLoadCancelled, slot)
	}
	l.queue.TryStart()

	select {
	case r := <-results:
		return r.img, r.err
	case <-tok.Done():
		// Deliver runs before Done closes
		select {
		case r := <-results:
			return r.img, r.err
		default:
			return nil, fmt.Errorf("%w: %s", ErrLoadCancelled, request)
		}
	case <-ctx.Done():
		l.binder.Unbind(slot)
		return nil, ctx.Err()
	}
}

func (l *ScrollLoader) decode(ctx context.Context, name string, size imaging.Size) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := l.files.Open(l.dir, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", name, err)
	}
	defer f.Close()

	img, err := l.decoder.Decode(f, size)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", name, err)
	}
	l.cache.Put(name, size, img)
	return img, nil
}

// OnScroll stops starting new decodes. A running decode finishes.
func (l *ScrollLoader) OnScroll() {
	l.queue.Stop()
}

// OnIdle resumes decoding
func (l *ScrollLoader) OnIdle() {
	l.SetWorking()
}

// SetWorking enables the queue and starts the next pending decode
func (l *ScrollLoader) SetWorking() {
	l.queue.Start()
	l.queue.TryStart()
}

// StopAndClear cancels the running decode, drops everything queued and stops
// the loader. Call SetWorking to use it again.
func (l *ScrollLoader) StopAndClear() {
	l.queue.StopAndReset()
	l.binder.Reset()
}

// Pending returns the number of queued decodes, including a running one
func (l *ScrollLoader) Pending() int {
	return l.queue.Len()
}
