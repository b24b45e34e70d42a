package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"engram/internal/logging"
)

// planTTL bounds how long a cached plan may be replayed. Plans reference
// live tool state, so they go stale quickly.
const planTTL = 120 * time.Second

// PlanStep is one tool invocation in a plan.
type PlanStep struct {
	Tool      string         `json:"tool" msgpack:"tool"`
	Args      map[string]any `json:"args,omitempty" msgpack:"args"`
	Rationale string         `json:"rationale,omitempty" msgpack:"rationale"`
}

// Plan is the thinking stage output for one message shape. Steps carry the
// suggested tools in execution order.
type Plan struct {
	Intent            string     `json:"intent,omitempty" msgpack:"intent"`
	Steps             []PlanStep `json:"steps" msgpack:"steps"`
	Complexity        int        `json:"complexity" msgpack:"complexity"`
	NeedsMemory       bool       `json:"needs_memory,omitempty" msgpack:"needs_memory"`
	MemoryKeys        []string   `json:"memory_keys,omitempty" msgpack:"memory_keys"`
	HallucinationRisk string     `json:"hallucination_risk,omitempty" msgpack:"hallucination_risk"`
	NeedsSequential   bool       `json:"needs_sequential_thinking,omitempty" msgpack:"needs_sequential"`
	IsNewFact         bool       `json:"is_new_fact,omitempty" msgpack:"is_new_fact"`
	NewFactKey        string     `json:"new_fact_key,omitempty" msgpack:"new_fact_key"`
	NewFactValue      string     `json:"new_fact_value,omitempty" msgpack:"new_fact_value"`
	Answer            string     `json:"answer,omitempty" msgpack:"answer"`
	CreatedAt         time.Time  `json:"-" msgpack:"created_at"`
}

// PlanCache memoizes plans on disk, keyed by message shape. Concurrent
// requests for the same key share one model call through singleflight.
type PlanCache struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	sf  singleflight.Group
	mu  sync.Mutex
	now func() time.Time
}

// NewPlanCache creates a PlanCache backed by path.
func NewPlanCache(path string, logger *slog.Logger) *PlanCache {
	return &PlanCache{
		path:   path,
		ttl:    planTTL,
		logger: logging.Default(logger).With("component", "plan-cache"),
		now:    time.Now,
	}
}

// PlanKey derives the cache key from the message shape: the words of the
// normalized message, hashed. Conversation identity is not part of the key;
// identical questions share a plan.
func PlanKey(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}

// Get returns the cached plan for key, or builds, stores, and returns a
// fresh one. Expired entries are rebuilt. build errors are not cached.
func (c *PlanCache) Get(key string, build func() (*Plan, error)) (*Plan, error) {
	if p := c.lookup(key); p != nil {
		return p, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if p := c.lookup(key); p != nil {
			return p, nil
		}
		p, err := build()
		if err != nil {
			return nil, err
		}
		p.CreatedAt = c.now().UTC()
		c.store(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

func (c *PlanCache) lookup(key string) *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.readAll()
	p, ok := entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(p.CreatedAt) > c.ttl {
		return nil
	}
	return p
}

func (c *PlanCache) store(key string, p *Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.readAll()

	// Drop expired entries while we hold the file anyway.
	for k, e := range entries {
		if c.now().Sub(e.CreatedAt) > c.ttl {
			delete(entries, k)
		}
	}
	entries[key] = p

	raw, err := msgpack.Marshal(entries)
	if err != nil {
		c.logger.Error("plan cache encode failed", "error", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		c.logger.Error("plan cache write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Error("plan cache rename failed", "error", err)
	}
}

func (c *PlanCache) readAll() map[string]*Plan {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]*Plan{}
	}
	var entries map[string]*Plan
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn("plan cache unreadable, starting empty", "error", err)
		return map[string]*Plan{}
	}
	return entries
}
