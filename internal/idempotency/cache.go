package idempotency

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// localCache holds COMPLETED records in process, keyed by idempotency key.
type localCache struct {
	records *lru.Cache[string, *Record]
}

func newLocalCache(size int) (*localCache, error) {
	c, err := lru.New[string, *Record](size)
	if err != nil {
		return nil, err
	}
	return &localCache{records: c}, nil
}

// get returns a live completed record, evicting it if it has expired.
func (c *localCache) get(key string, now time.Time) *Record {
	rec, ok := c.records.Get(key)
	if !ok {
		return nil
	}
	if rec.Status != StatusCompleted || rec.IsExpired(now) {
		c.records.Remove(key)
		return nil
	}
	return rec.clone()
}

func (c *localCache) put(rec *Record) {
	if rec.Status != StatusCompleted {
		return
	}
	c.records.Add(rec.IdempotencyKey, rec.clone())
}

func (c *localCache) len() int {
	return c.records.Len()
}
