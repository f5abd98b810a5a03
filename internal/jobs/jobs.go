package jobs

import (
	"context"
	"log/slog"

	"attendai/internal/enrollment"
	"attendai/internal/queue"
)

// Enroller embeds an enrollment photo and stores the template.
type Enroller interface {
	EnrollFromImage(ctx context.Context, studentID, imageURL string) (enrollment.Template, error)
}

// Handler processes queue messages: enrollment requests become templates and
// attendance events are logged.
type Handler struct {
	enroll Enroller
	logger *slog.Logger
}

func NewHandler(enroll Enroller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{enroll: enroll, logger: logger}
}

// Run consumes q until ctx is canceled or the queue closes its channel.
func (h *Handler) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		h.Handle(ctx, msg)
	}
	return nil
}

// Handle processes one message. Failures are logged; messages are not retried.
func (h *Handler) Handle(ctx context.Context, msg queue.Message) {
	switch msg.Type {
	case queue.TypeEnrollmentRequested:
		var req queue.EnrollmentRequest
		if err := msg.Decode(&req); err != nil {
			h.logger.Warn("bad enrollment job", "error", err)
			return
		}
		if _, err := h.enroll.EnrollFromImage(ctx, req.StudentID, req.ImageURL); err != nil {
			h.logger.Error("enrollment failed", "student_id", req.StudentID, "error", err)
			return
		}
		h.logger.Info("enrollment processed", "student_id", req.StudentID)
	case queue.TypeAttendanceRecorded:
		var evt queue.AttendanceRecorded
		if err := msg.Decode(&evt); err != nil {
			h.logger.Warn("bad attendance event", "error", err)
			return
		}
		h.logger.Info("attendance recorded", "record_id", evt.RecordID, "student_id", evt.StudentID, "class_id", evt.ClassID, "date", evt.Date)
	default:
		h.logger.Debug("ignoring message", "type", msg.Type)
	}
}
