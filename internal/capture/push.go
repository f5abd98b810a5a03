package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned by Push when no session holds the camera.
var ErrNotAcquired = errors.New("camera not acquired")

// PushSource is a camera fed by an external producer (the browser uploading
// frames). Only the newest frame is kept: a frame that was never handed out
// by Next before the next Push is dropped.
type PushSource struct {
	mu      sync.Mutex
	held    bool
	frame   Frame
	taken   uint64
	dropped uint64
	notify  chan struct{}
	now     func() time.Time
}

// NewPushSource creates an idle source.
func NewPushSource() *PushSource {
	return &PushSource{notify: make(chan struct{}), now: time.Now}
}

// Acquire takes exclusive ownership of the camera.
func (s *PushSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return ErrSourceBusy
	}
	s.held = true
	return nil
}

// Push stores data as the latest frame and returns its sequence number.
func (s *PushSource) Push(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, errors.New("empty frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return 0, ErrNotAcquired
	}
	if s.frame.Seq > s.taken {
		s.dropped++
	}
	s.frame = Frame{Seq: s.frame.Seq + 1, Data: data, At: s.now()}
	s.wake()
	return s.frame.Seq, nil
}

// Next blocks until a frame newer than after exists, the context ends, or the camera is released.
func (s *PushSource) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		s.mu.Lock()
		if !s.held {
			s.mu.Unlock()
			return Frame{}, ErrReleased
		}
		if s.frame.Seq > after {
			f := s.frame
			s.taken = f.Seq
			s.mu.Unlock()
			return f, nil
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ch:
		}
	}
}

// Release gives the camera back and wakes any waiting Next call. It is safe to call twice.
func (s *PushSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return nil
	}
	s.held = false
	s.frame = Frame{Seq: s.frame.Seq}
	s.wake()
	return nil
}

// Held reports whether a session owns the camera.
func (s *PushSource) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Dropped returns how many frames were replaced before anyone read them.
func (s *PushSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// wake must be called with mu held.
func (s *PushSource) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}
