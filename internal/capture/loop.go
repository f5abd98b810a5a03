package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observer is told about every processed frame. det is nil when no face was found
// or when err is set.
type Observer func(det *Detection, err error, took time.Duration)

// Loop runs face detection on every new frame from a Source until stopped.
// Frames are processed one at a time; frames that arrive while a detection is
// running are not queued.
type Loop struct {
	src      Source
	detector Detector
	logger   *slog.Logger
	observe  Observer
	idle     time.Duration

	latest    atomic.Pointer[Detection]
	processed atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithObserver registers a per-frame callback.
func WithObserver(o Observer) LoopOption {
	return func(l *Loop) {
		l.observe = o
	}
}

// WithIdle sets how long to wait before polling again when the source has no frame.
func WithIdle(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.idle = d
		}
	}
}

// NewLoop builds a loop over src and detector. Call Start to run it.
func NewLoop(src Source, detector Detector, opts ...LoopOption) *Loop {
	l := &Loop{
		src:      src,
		detector: detector,
		logger:   slog.Default(),
		idle:     16 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop. It runs until ctx is canceled, Stop is called or the
// source is released. Calling Start more than once has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.run(ctx)
	})
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() {
	// a loop that never started is marked done so a later Start is a no-op
	l.startOnce.Do(func() { close(l.done) })
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Latest returns the detection from the most recently processed frame, or nil
// when that frame had no face.
func (l *Loop) Latest() *Detection {
	return l.latest.Load()
}

// Processed returns how many frames went through the detector.
func (l *Loop) Processed() uint64 {
	return l.processed.Load()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	var after uint64
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := l.src.Next(ctx, after)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, ErrReleased):
				return
			case errors.Is(err, ErrNotReady):
			default:
				l.logger.Warn("camera read failed", "error", err)
			}
			if !l.wait(ctx) {
				return
			}
			continue
		}
		after = frame.Seq

		start := time.Now()
		det, err := l.detector.Detect(ctx, frame)
		took := time.Since(start)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Debug("detection failed", "frame", frame.Seq, "error", err)
			det = nil
		} else if det != nil {
			det.FrameSeq = frame.Seq
			det.At = frame.At
		}
		l.latest.Store(det)
		l.processed.Add(1)
		if l.observe != nil {
			l.observe(det, err, took)
		}
	}
}

func (l *Loop) wait(ctx context.Context) bool {
	t := time.NewTimer(l.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
