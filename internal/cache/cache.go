package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
)

const keyPrefix = "llm_cache:"

// Metadata is the routing portion of the cache key. Two requests with the
// same normalized messages but different provider/model class must not
// collide.
type Metadata struct {
	Provider string
	Model    string
}

// Cache is a content-addressed store for LLM completions. Redis-backed when
// configured, with an in-process map fallback so the service degrades rather
// than fails without redis.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger

	mu  sync.RWMutex
	mem map[string]memEntry
}

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

// New connects to redis when a host is configured; otherwise the in-process
// fallback is used. A redis that is configured but unreachable also falls
// back, with a warning.
func New(cfg config.CacheConfig, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{ttl: ttl, logger: logger, mem: make(map[string]memEntry)}

	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Printf("redis unavailable (%s:%d), using in-process cache: %v", cfg.Redis.Host, cfg.Redis.Port, err)
		} else {
			c.rdb = rdb
		}
	}
	return c
}

// Fingerprint derives the deterministic cache key for a request: SHA-256 over
// the normalized message sequence plus routing metadata.
func Fingerprint(messages []llm.Message, meta Metadata) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(m.Role))))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(m.Content)))
		h.Write([]byte{0})
	}
	h.Write([]byte(meta.Provider))
	h.Write([]byte{0})
	h.Write([]byte(meta.Model))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached completion for the request, or nil on a miss. The
// returned response carries Cached=true.
func (c *Cache) Get(ctx context.Context, messages []llm.Message, meta Metadata) *llm.Response {
	key := Fingerprint(messages, meta)

	var payload []byte
	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logger.Printf("cache get error: %v", err)
			}
			return nil
		}
		payload = data
	} else {
		c.mu.RLock()
		entry, ok := c.mem[key]
		c.mu.RUnlock()
		if !ok || time.Now().After(entry.expiresAt) {
			return nil
		}
		payload = entry.payload
	}

	var resp llm.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Printf("cache decode error: %v", err)
		return nil
	}
	resp.Cached = true
	return &resp
}

// Put stores a completion under the request's fingerprint with the fixed TTL.
// Cached responses are never invalidated on write elsewhere; staleness within
// the TTL is an accepted trade-off.
func (c *Cache) Put(ctx context.Context, messages []llm.Message, meta Metadata, resp *llm.Response) {
	if resp == nil || resp.Content == "" {
		return
	}
	key := Fingerprint(messages, meta)
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Printf("cache encode error: %v", err)
		return
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Printf("cache set error: %v", err)
		}
		return
	}

	c.mu.Lock()
	c.mem[key] = memEntry{payload: payload, expiresAt: time.Now().Add(c.ttl)}
	// opportunistic sweep of expired entries
	if len(c.mem) > 1024 {
		now := time.Now()
		for k, e := range c.mem {
			if now.After(e.expiresAt) {
				delete(c.mem, k)
			}
		}
	}
	c.mu.Unlock()
}
