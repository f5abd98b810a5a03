package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attendai/internal/queue"
)

// Service validates entries, applies the write timeout and announces new records.
type Service struct {
	store          Store
	queue          queue.Queue
	timeout        time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithQueue publishes an attendance.recorded message for every created record.
func WithQueue(q queue.Queue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

// WithTimeout bounds each write.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPublishTimeout bounds the attendance.recorded publish. It runs after the
// write and does not share the write's deadline.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// NewService creates a service backed by a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		timeout:        10 * time.Second,
		publishTimeout: 500 * time.Millisecond,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record writes e. Duplicates return ErrAlreadyRecorded.
func (s *Service) Record(ctx context.Context, e Entry) (Record, error) {
	if e.Status == "" {
		e.Status = StatusPresent
	}
	if err := Validate(e); err != nil {
		return Record{}, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.Record(writeCtx, e)
	if err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			s.logger.Info("attendance already recorded", "student_id", e.StudentID, "class_id", e.ClassID, "date", e.Date)
		}
		return Record{}, err
	}
	s.logger.Info("attendance recorded", "record_id", rec.ID, "student_id", rec.StudentID, "class_id", rec.ClassID, "date", rec.Date)
	s.announce(ctx, rec)
	return rec, nil
}

// List returns records matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Date != "" {
		if _, err := time.Parse(DateLayout, f.Date); err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidEntry)
		}
	}
	return s.store.List(ctx, f)
}

func (s *Service) announce(ctx context.Context, rec Record) {
	if s.queue == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceRecorded, queue.AttendanceRecorded{
		RecordID:  rec.ID,
		StudentID: rec.StudentID,
		ClassID:   rec.ClassID,
		Date:      rec.Date,
		At:        rec.CreatedAt,
	})
	if err == nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
		err = s.queue.Publish(pubCtx, msg)
		cancel()
	}
	if err != nil {
		s.logger.Warn("queue publish failed", "record_id", rec.ID, "error", err)
	}
}

// Validate checks that e names a student, a class, a calendar date and a known status.
func Validate(e Entry) error {
	switch {
	case e.StudentID == "":
		return fmt.Errorf("%w: student id required", ErrInvalidEntry)
	case e.ClassID == "":
		return fmt.Errorf("%w: class id required", ErrInvalidEntry)
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidEntry)
	}
	if e.Status != StatusPresent && e.Status != StatusAbsent {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}
