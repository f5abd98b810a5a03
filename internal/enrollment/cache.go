package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore puts a Redis read-through cache in front of another Store.
// Redis failures are logged and the backing store is used instead.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewCachedStore wraps next. A zero ttl defaults to ten minutes.
func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, client: client, ttl: ttl, prefix: "attendai:template:", logger: logger}
}

func (c *CachedStore) key(studentID string) string {
	return c.prefix + studentID
}

func (c *CachedStore) Lookup(ctx context.Context, studentID string) (Template, bool, error) {
	raw, err := c.client.Get(ctx, c.key(studentID)).Bytes()
	switch {
	case err == nil:
		var t Template
		if jerr := json.Unmarshal(raw, &t); jerr == nil {
			return t, true, nil
		}
		c.logger.Warn("discarding corrupt cached template", "student_id", studentID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("template cache read failed", "student_id", studentID, "error", err)
	}

	t, found, err := c.next.Lookup(ctx, studentID)
	if err != nil || !found {
		return t, found, err
	}
	if payload, jerr := json.Marshal(t); jerr == nil {
		if serr := c.client.Set(ctx, c.key(studentID), payload, c.ttl).Err(); serr != nil {
			c.logger.Warn("template cache write failed", "student_id", studentID, "error", serr)
		}
	}
	return t, true, nil
}

// Save writes through to the backing store and drops the cached copy.
func (c *CachedStore) Save(ctx context.Context, tmpl Template) error {
	if err := c.next.Save(ctx, tmpl); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.key(tmpl.StudentID)).Err(); err != nil {
		c.logger.Warn("template cache invalidation failed", "student_id", tmpl.StudentID, "error", err)
	}
	return nil
}
