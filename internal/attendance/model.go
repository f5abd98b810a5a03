package attendance

import (
	"context"
	"errors"
	"time"
)

// DateLayout is the calendar date format used for attendance keys.
const DateLayout = "2006-01-02"

// Status is the attendance status of a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

var (
	// ErrAlreadyRecorded means a record for (student, class, date) already exists.
	ErrAlreadyRecorded = errors.New("attendance already recorded")
	// ErrInvalidEntry is returned for entries that fail validation.
	ErrInvalidEntry = errors.New("invalid attendance entry")
)

// Entry is a request to record attendance.
type Entry struct {
	StudentID string
	ClassID   string
	Date      string
	Status    Status
}

// Key identifies a record. At most one record exists per key.
func (e Entry) Key() string {
	return e.StudentID + "|" + e.ClassID + "|" + e.Date
}

// Record is a stored attendance row.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	ClassID   string    `json:"class_id"`
	Date      string    `json:"date"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	StudentID string
	ClassID   string
	Date      string
	Limit     int
	Offset    int
}

// Recorder writes attendance. A second write for the same key must fail with ErrAlreadyRecorded.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Record, error)
}

// Store is a Recorder that can also list records.
type Store interface {
	Recorder
	List(ctx context.Context, f Filter) ([]Record, error)
}
