package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts a new record. The unique index on (student_id, class_id, date)
// turns a duplicate into ErrAlreadyRecorded.
func (r *Repository) Record(ctx context.Context, e Entry) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		StudentID: e.StudentID,
		ClassID:   e.ClassID,
		Date:      e.Date,
		Status:    e.Status,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, class_id, date, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Date, string(rec.Status))
	if err := row.Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, ErrAlreadyRecorded
		}
		return Record{}, fmt.Errorf("insert attendance: %w", err)
	}
	return rec, nil
}

// List returns records matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Record, error) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, student_id, class_id, date, status, created_at FROM attendance_records`
	var (
		args    []any
		clauses []string
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}
	add("student_id", f.StudentID)
	add("class_id", f.ClassID)
	add("date", f.Date)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var (
			rec    Record
			date   time.Time
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &date, &status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Date = date.Format(DateLayout)
		rec.Status = Status(status)
		res = append(res, rec)
	}
	return res, rows.Err()
}
