package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Repository persists templates in Postgres using a pgvector column.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Lookup returns the student's template.
func (r *Repository) Lookup(ctx context.Context, studentID string) (Template, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, descriptor, captured_at
		FROM face_templates
		WHERE student_id = $1
	`, studentID)
	var (
		t   Template
		vec pgvector.Vector
	)
	if err := row.Scan(&t.StudentID, &vec, &t.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, false, nil
		}
		return Template{}, false, fmt.Errorf("lookup template: %w", err)
	}
	t.Vector = vec.Slice()
	return t, true, nil
}

// Save inserts the template or replaces the existing one.
func (r *Repository) Save(ctx context.Context, tmpl Template) error {
	if tmpl.StudentID == "" {
		return errors.New("student id required")
	}
	if tmpl.CapturedAt.IsZero() {
		tmpl.CapturedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO face_templates (student_id, descriptor, dim, captured_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id) DO UPDATE SET
			descriptor = EXCLUDED.descriptor,
			dim = EXCLUDED.dim,
			captured_at = EXCLUDED.captured_at
	`, tmpl.StudentID, pgvector.NewVector(tmpl.Vector), len(tmpl.Vector), tmpl.CapturedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}
