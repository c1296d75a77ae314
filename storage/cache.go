package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"todo-api/domain"
)

// generationTTL outlives any backend read a fill could be waiting on.
const generationTTL = 24 * time.Hour

var errStaleFill = errors.New("cache fill raced a write")

// Cache wraps a Backend with a Redis read-through cache of task lists and
// preference documents. Every write evicts the owner's keys, whether or not
// it succeeded, so a failed batch never leaves a stale snapshot behind.
//
// Each cached key has a generation counter that writes bump. A fill only
// lands when the generation it saw before reading the backend is still
// current, so a read that started before a write cannot cache the pre-write
// value after the write evicted it.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Backend wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

// cachedTask keeps the version, which domain.Task hides from JSON.
type cachedTask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
	OwnerID   string `json:"ownerId"`
	Version   string `json:"version"`
}

type cachedPreference struct {
	Preference domain.Preference `json:"preference"`
	Exists     bool              `json:"exists"`
}

// ListTasks serves owner's tasks from Redis, reading through on a miss.
func (c *Cache) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, owner); ok {
		return tasks, nil
	}
	gen, fill := c.generation(ctx, tasksCacheKey(owner))
	tasks, err := c.Backend.ListTasks(ctx, owner)
	if err != nil {
		return nil, err
	}
	if fill {
		c.storeTasks(ctx, owner, gen, tasks)
	}
	return tasks, nil
}

// GetPreference serves owner's preference from Redis, reading through on a miss.
func (c *Cache) GetPreference(ctx context.Context, owner string) (domain.Preference, bool, error) {
	if cp, ok := c.loadPreference(ctx, owner); ok {
		return cp.Preference, cp.Exists, nil
	}
	key := preferencesCacheKey(owner)
	gen, fill := c.generation(ctx, key)
	pref, ok, err := c.Backend.GetPreference(ctx, owner)
	if err != nil {
		return domain.Preference{}, false, err
	}
	if fill {
		c.store(ctx, key, gen, cachedPreference{Preference: pref, Exists: ok})
	}
	return pref, ok, nil
}

func (c *Cache) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	err := c.Backend.CommitTasks(ctx, owner, ops)
	c.evict(ctx, tasksCacheKey(owner))
	return err
}

func (c *Cache) MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error {
	err := c.Backend.MergePreference(ctx, owner, patch)
	c.evict(ctx, preferencesCacheKey(owner))
	return err
}

func (c *Cache) DeletePreference(ctx context.Context, owner string) error {
	err := c.Backend.DeletePreference(ctx, owner)
	c.evict(ctx, preferencesCacheKey(owner))
	return err
}

func (c *Cache) loadTasks(ctx context.Context, owner string) ([]domain.Task, bool) {
	var cached []cachedTask
	if !c.load(ctx, tasksCacheKey(owner), &cached) {
		return nil, false
	}
	tasks := make([]domain.Task, len(cached))
	for i, t := range cached {
		tasks[i] = domain.Task{ID: t.ID, Title: t.Title, Completed: t.Completed, Order: t.Order, OwnerID: t.OwnerID, Version: t.Version}
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, owner string, gen int64, tasks []domain.Task) {
	cached := make([]cachedTask, len(tasks))
	for i, t := range tasks {
		cached[i] = cachedTask{ID: t.ID, Title: t.Title, Completed: t.Completed, Order: t.Order, OwnerID: t.OwnerID, Version: t.Version}
	}
	c.store(ctx, tasksCacheKey(owner), gen, cached)
}

func (c *Cache) loadPreference(ctx context.Context, owner string) (cachedPreference, bool) {
	var cp cachedPreference
	return cp, c.load(ctx, preferencesCacheKey(owner), &cp)
}

func (c *Cache) load(ctx context.Context, key string, v any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// generation reads the write counter of key. fill is false when the cache is
// disabled or the counter cannot be read.
func (c *Cache) generation(ctx context.Context, key string) (gen int64, fill bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(key)).Int64()
	if err != nil && err != redis.Nil {
		return 0, false
	}
	return gen, true
}

// store caches v under key unless a write bumped the generation since gen
// was read.
func (c *Cache) store(ctx context.Context, key string, gen int64, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(key)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

// evict drops key and bumps its generation so in-flight fills are discarded.
func (c *Cache) evict(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	genKey := generationKey(key)
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.Expire(ctx, genKey, generationTTL)
		p.Del(ctx, key)
		return nil
	})
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

func preferencesCacheKey(owner string) string {
	return "preferences:" + owner
}

func generationKey(key string) string {
	return "gen:" + key
}
