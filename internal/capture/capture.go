package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotReady means the source has no frame to hand out yet. The loop skips the cycle.
	ErrNotReady = errors.New("frame not ready")
	// ErrCameraDenied is returned by Acquire when the camera cannot be opened.
	ErrCameraDenied = errors.New("camera permission denied")
	// ErrSourceBusy is returned when the camera is already held by another session.
	ErrSourceBusy = errors.New("camera already in use")
	// ErrReleased is returned by Next and Push once the camera has been released.
	ErrReleased = errors.New("camera released")
)

// Frame is one image taken from a camera.
type Frame struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Box is a face bounding box in frame pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a facial landmark.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is a face found in a frame together with its descriptor.
// Detections are transient and never persisted.
type Detection struct {
	Descriptor []float32
	Box        Box
	Landmarks  []Point
	FrameSeq   uint64
	At         time.Time
}

// Source is a camera. A session acquires it once and must release it when done.
type Source interface {
	Acquire(ctx context.Context) error
	// Next blocks until a frame newer than after is available.
	Next(ctx context.Context, after uint64) (Frame, error)
	Release() error
}

// Detector finds at most one face in a frame. A nil detection means no face.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (*Detection, error)
}

// Loader initializes the detection model.
type Loader interface {
	Load(ctx context.Context) (Detector, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame Frame) (*Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame Frame) (*Detection, error) {
	return f(ctx, frame)
}
