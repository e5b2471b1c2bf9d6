package store

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Cache is the durable governor.Store. TTL expiry happens on read; LRU
// eviction happens on write once the table exceeds capacity. Storage
// errors degrade to cache misses rather than failing the call.
type Cache struct {
	db       *DB
	ttl      time.Duration
	capacity int
	log      *slog.Logger
}

// Cache returns the cache view over this database.
func (db *DB) Cache(ttl time.Duration, capacity int, log *slog.Logger) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{db: db, ttl: ttl, capacity: capacity, log: log}
}

func (c *Cache) Get(key string) (schema.ModelResponse, bool) {
	now := time.Now().UnixNano()
	var raw string
	var expires int64
	err := c.db.conn.QueryRow(
		`SELECT response, expires FROM cache WHERE key = ?`, key,
	).Scan(&raw, &expires)
	if err != nil {
		return schema.ModelResponse{}, false
	}
	if now > expires {
		if _, err := c.db.conn.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
			c.log.Warn("cache expiry delete failed", "error", err)
		}
		return schema.ModelResponse{}, false
	}

	var resp schema.ModelResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.log.Warn("cache entry corrupt, discarding", "key", key, "error", err)
		c.db.conn.Exec(`DELETE FROM cache WHERE key = ?`, key)
		return schema.ModelResponse{}, false
	}
	if _, err := c.db.conn.Exec(
		`UPDATE cache SET last_accessed = ? WHERE key = ?`, now, key); err != nil {
		c.log.Warn("cache LRU touch failed", "error", err)
	}
	return resp, true
}

func (c *Cache) Put(key string, resp schema.ModelResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		c.log.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	now := time.Now()
	_, err = c.db.conn.Exec(`INSERT INTO cache (key, response, expires, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET response = excluded.response,
			expires = excluded.expires, last_accessed = excluded.last_accessed`,
		key, string(raw), now.Add(c.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if _, err := c.db.conn.Exec(`DELETE FROM cache WHERE key IN (
			SELECT key FROM cache ORDER BY last_accessed DESC LIMIT -1 OFFSET ?)`,
		c.capacity); err != nil {
		c.log.Warn("cache eviction failed", "error", err)
	}
}
