package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"attendai/internal/faceclient"
	"attendai/internal/metrics"
)

// DefaultDim is the descriptor length produced by the detection model.
const DefaultDim = 128

var (
	// ErrInvalidDescriptor is returned for descriptors of the wrong length or with non-finite values.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	// ErrStudentRequired is returned when no student id is given.
	ErrStudentRequired = errors.New("student id required")
	// ErrMultipleFaces is returned when an enrollment photo shows more than one face.
	ErrMultipleFaces = errors.New("enrollment photo has more than one face")
	ErrLowQuality    = errors.New("enrollment photo quality too low")
)

// Embedder turns an enrollment photo into a descriptor with detection
// confidence and quality.
type Embedder interface {
	EmbedWithScore(ctx context.Context, imageURL string) (*faceclient.EmbedResult, error)
}

// Service validates and stores templates.
type Service struct {
	store      Store
	embedder   Embedder
	dim        int
	minQuality float64
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithEmbedder(e Embedder) Option {
	return func(s *Service) {
		s.embedder = e
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDim sets the expected descriptor length.
func WithDim(dim int) Option {
	return func(s *Service) {
		if dim > 0 {
			s.dim = dim
		}
	}
}

// WithMinQuality rejects enrollment photos whose detection score or quality
// score is below q. Zero disables the check.
func WithMinQuality(q float64) Option {
	return func(s *Service) {
		if q >= 0 {
			s.minQuality = q
		}
	}
}

// NewService creates a service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		dim:    DefaultDim,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup passes through to the store.
func (s *Service) Lookup(ctx context.Context, studentID string) (Template, bool, error) {
	return s.store.Lookup(ctx, studentID)
}

// Enroll stores descriptor as the student's template, replacing any previous one.
func (s *Service) Enroll(ctx context.Context, studentID string, descriptor []float32) (Template, error) {
	tmpl, err := s.enroll(ctx, studentID, descriptor)
	s.metrics.IncrementEnrollment("descriptor", err)
	return tmpl, err
}

func (s *Service) enroll(ctx context.Context, studentID string, descriptor []float32) (Template, error) {
	if studentID == "" {
		return Template{}, ErrStudentRequired
	}
	if err := s.validate(descriptor); err != nil {
		return Template{}, err
	}
	tmpl := Template{
		StudentID:  studentID,
		Vector:     append([]float32(nil), descriptor...),
		CapturedAt: s.now().UTC(),
	}
	if err := s.store.Save(ctx, tmpl); err != nil {
		return Template{}, err
	}
	s.logger.Info("template enrolled", "student_id", studentID, "dim", len(descriptor))
	return tmpl, nil
}

// EnrollFromImage embeds the photo at imageURL and enrolls the result.
func (s *Service) EnrollFromImage(ctx context.Context, studentID, imageURL string) (Template, error) {
	tmpl, err := s.enrollFromImage(ctx, studentID, imageURL)
	s.metrics.IncrementEnrollment("image", err)
	return tmpl, err
}

func (s *Service) enrollFromImage(ctx context.Context, studentID, imageURL string) (Template, error) {
	if s.embedder == nil {
		return Template{}, errors.New("no embedder configured")
	}
	if imageURL == "" {
		return Template{}, errors.New("image url required")
	}
	res, err := s.embedder.EmbedWithScore(ctx, imageURL)
	if err != nil {
		return Template{}, fmt.Errorf("embed enrollment photo: %w", err)
	}
	if err := s.checkPhoto(res); err != nil {
		s.logger.Warn("enrollment photo rejected", "student_id", studentID, "error", err)
		return Template{}, err
	}
	return s.enroll(ctx, studentID, res.Embedding)
}

// checkPhoto keeps group shots and poor captures out of the template store.
func (s *Service) checkPhoto(res *faceclient.EmbedResult) error {
	if res.FacesDetected > 1 {
		return fmt.Errorf("%w: %d faces", ErrMultipleFaces, res.FacesDetected)
	}
	if s.minQuality == 0 {
		return nil
	}
	if res.Score < s.minQuality {
		return fmt.Errorf("%w: detection score %.2f", ErrLowQuality, res.Score)
	}
	if res.Quality != nil && res.Quality.Score < s.minQuality {
		return fmt.Errorf("%w: quality score %.2f", ErrLowQuality, res.Quality.Score)
	}
	return nil
}

func (s *Service) validate(descriptor []float32) error {
	if len(descriptor) != s.dim {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidDescriptor, len(descriptor), s.dim)
	}
	for _, v := range descriptor {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidDescriptor)
		}
	}
	return nil
}
