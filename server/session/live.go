package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/nn"
)

// VideoSource provides the most recent frame of a live video feed
type VideoSource interface {
	// Next blocks until a frame newer than the previous one is available.
	// A returned *imagex.DecodeError is not fatal to the live loop. Any other error ends it.
	Next(ctx context.Context) (image.Image, error)
}

// LiveFrame is the result of detection on one live frame
type LiveFrame struct {
	Seq        int64          `json:"seq"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Objects    []nn.Detection `json:"objects"`
	DetectTime float64        `json:"detectTime"` // milliseconds
}

// Renderer draws the detections of a frame. Returning an error stops the loop.
type Renderer func(frame *LiveFrame) error

// LiveLoop runs detection on a video source, one frame at a time, until stopped.
type LiveLoop struct {
	log      logs.Log
	cancel   context.CancelFunc
	stopping atomic.Bool   // True once Stop() has been called, or ctx is done
	stopped  chan struct{} // Closed when the loop goroutine has exited
	stopOnce sync.Once
	rendered atomic.Int64
	err      error // Why the loop exited by itself. Only valid once stopped is closed.

	// Held across the last stop check and the render call, and by Stop while it
	// sets stopping. Once Stop has set stopping, no render can begin.
	renderLock sync.Mutex
}

// StartLiveDetection starts a live detection loop, which renders at most
// LiveFPS frames per second. Any previous loop of this session is stopped first.
// The loop ends when Stop is called, when ctx is done, or when source or render fails.
func (s *Session) StartLiveDetection(ctx context.Context, source VideoSource, render Renderer) (*LiveLoop, error) {
	if s.detector == nil {
		return nil, ErrModelUnavailable
	}
	s.liveLock.Lock()
	defer s.liveLock.Unlock()
	if s.live != nil {
		s.live.Stop()
		s.live = nil
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &LiveLoop{
		log:     s.Log,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	s.live = l
	interval := time.Duration(float64(time.Second) / s.opt.LiveFPS)
	go l.run(ctx, s, source, render, interval)
	return l, nil
}

// StopLiveDetection stops the session's live loop, if one is running
func (s *Session) StopLiveDetection() {
	s.liveLock.Lock()
	defer s.liveLock.Unlock()
	if s.live != nil {
		s.live.Stop()
		s.live = nil
	}
}

// Stop the loop, and wait for it to exit. After Stop returns, the renderer
// will not be called again. It is safe to call Stop more than once.
func (l *LiveLoop) Stop() {
	l.stopOnce.Do(func() {
		l.renderLock.Lock()
		l.stopping.Store(true)
		l.renderLock.Unlock()
		l.cancel()
	})
	<-l.stopped
}

// Done is closed when the loop has exited
func (l *LiveLoop) Done() <-chan struct{} {
	return l.stopped
}

// Err returns the reason that the loop exited by itself, or nil if it was stopped.
// Only meaningful after Done is closed.
func (l *LiveLoop) Err() error {
	select {
	case <-l.stopped:
		return l.err
	default:
		return nil
	}
}

// Number of frames rendered so far
func (l *LiveLoop) Rendered() int64 {
	return l.rendered.Load()
}

func (l *LiveLoop) mustStop(ctx context.Context) bool {
	return l.stopping.Load() || ctx.Err() != nil
}

func (l *LiveLoop) run(ctx context.Context, s *Session, source VideoSource, render Renderer, interval time.Duration) {
	defer close(l.stopped)
	defer l.cancel()

	// The frame clock. A slow detector causes ticks to be dropped, not queued.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastErrAt := time.Time{}
	logRateLimited := func(msg string, err error) {
		if time.Now().Sub(lastErrAt) > 15*time.Second {
			l.log.Errorf("Session %v: %v: %v", s.ID, msg, err)
			lastErrAt = time.Now()
		}
	}

	seq := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := source.Next(ctx)
		if l.mustStop(ctx) {
			return
		}
		if err != nil {
			var decodeErr *imagex.DecodeError
			if errors.As(err, &decodeErr) {
				logRateLimited("Bad live frame", err)
				continue
			}
			l.err = err
			return
		}

		start := time.Now()
		dets, err := s.DetectObjects(ctx, img)
		// An in-flight detection may finish after Stop. Its result is discarded.
		if l.mustStop(ctx) {
			return
		}
		if err != nil {
			if errors.Is(err, ErrModelUnavailable) {
				l.err = err
				return
			}
			logRateLimited("Error detecting objects", err)
			continue
		}

		seq++
		frame := &LiveFrame{
			Seq:        seq,
			Width:      img.Bounds().Dx(),
			Height:     img.Bounds().Dy(),
			Objects:    dets,
			DetectTime: float64(time.Since(start).Microseconds()) / 1000,
		}
		l.renderLock.Lock()
		if l.stopping.Load() {
			l.renderLock.Unlock()
			return
		}
		err = render(frame)
		l.renderLock.Unlock()
		if err != nil {
			l.err = err
			return
		}
		l.rendered.Add(1)
	}
}
