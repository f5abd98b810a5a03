package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store with the same uniqueness contract as Repository.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) Record(ctx context.Context, e Entry) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[e.Key()]; ok {
		return Record{}, ErrAlreadyRecorded
	}
	rec := Record{
		ID:        uuid.NewString(),
		StudentID: e.StudentID,
		ClassID:   e.ClassID,
		Date:      e.Date,
		Status:    e.Status,
		CreatedAt: m.now().UTC(),
	}
	m.records[e.Key()] = rec
	return rec, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	var res []Record
	for _, rec := range m.records {
		if f.StudentID != "" && rec.StudentID != f.StudentID {
			continue
		}
		if f.ClassID != "" && rec.ClassID != f.ClassID {
			continue
		}
		if f.Date != "" && rec.Date != f.Date {
			continue
		}
		res = append(res, rec)
	}
	m.mu.Unlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].Date != res[j].Date {
			return res[i].Date > res[j].Date
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset > 0 {
		if f.Offset >= len(res) {
			return nil, nil
		}
		res = res[f.Offset:]
	}
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
