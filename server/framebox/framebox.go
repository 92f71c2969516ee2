// Package framebox is a single-slot mailbox for live video frames.
// Publishing overwrites any frame that has not been consumed yet, so a slow
// consumer always sees the newest frame, and never a queue of stale ones.
package framebox

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/cyclopcam/teachable/pkg/imagex"
)

var ErrClosed = errors.New("Frame box is closed")

type Stats struct {
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Dropped   uint64 `json:"dropped"` // Overwritten before being consumed
}

// A pending frame. Exactly one of encoded or img is set.
type frame struct {
	encoded []byte
	img     image.Image
}

type Box struct {
	maxPixels int

	mu      sync.Mutex
	pending *frame
	closed  bool
	stats   Stats
	notify  chan struct{} // capacity 1. Holds a token while pending != nil (or after Close).
}

// New creates an empty box. Encoded frames larger than maxPixels fail to decode.
// maxPixels <= 0 means imagex.DefaultMaxPixels.
func New(maxPixels int) *Box {
	return &Box{
		maxPixels: maxPixels,
		notify:    make(chan struct{}, 1),
	}
}

func (b *Box) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Box) put(f *frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.pending != nil {
		b.stats.Dropped++
	}
	b.pending = f
	b.stats.Published++
	b.signal()
	return nil
}

// Publish an encoded (JPEG, PNG, etc) frame. The box takes ownership of data.
func (b *Box) Publish(data []byte) error {
	return b.put(&frame{encoded: data})
}

// Publish an already decoded frame
func (b *Box) PublishImage(img image.Image) error {
	return b.put(&frame{img: img})
}

// Next blocks until a frame that has not yet been consumed is available, and returns it.
// Returns ErrClosed after Close, or ctx.Err() if ctx is done first.
// If the frame cannot be decoded, the error is an *imagex.DecodeError, and the frame is consumed.
func (b *Box) Next(ctx context.Context) (image.Image, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		f := b.pending
		if f != nil {
			b.pending = nil
			b.stats.Consumed++
			b.mu.Unlock()
			if f.img != nil {
				return f.img, nil
			}
			return imagex.Decode("frame", f.encoded, b.maxPixels)
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

// Close wakes up any blocked Next, and causes future Publish calls to fail
func (b *Box) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.pending = nil
	close(b.notify)
}

func (b *Box) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Box) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
