package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Cache wraps a Store with Redis-backed caching of the per-board collection
// reads. Single-row reads always go to the base store since the board
// service uses them to pick the expected version of a conditional write.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

var _ Store = (*Cache)(nil)

// NewCache creates a caching Store using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func listsCacheKey(boardID string) string   { return "board:" + boardID + ":lists" }
func cardsCacheKey(boardID string) string   { return "board:" + boardID + ":cards" }
func membersCacheKey(boardID string) string { return "board:" + boardID + ":members" }

// cached serves key from Redis, falling back to load and storing its result.
func cached[T any](ctx context.Context, c *Cache, key string, load func() (T, error)) (T, error) {
	if v, ok := loadCached[T](ctx, c, key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.store(ctx, key, v)
	return v, nil
}

func loadCached[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	if c.redis == nil {
		return v, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return v, false
	}
	if err := sonic.Unmarshal(data, &v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return v, false
	}
	return v, true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func (c *Cache) CreateBoard(ctx context.Context, b domain.Board) error {
	if err := c.base.CreateBoard(ctx, b); err != nil {
		return err
	}
	c.evict(ctx, listsCacheKey(b.ID), cardsCacheKey(b.ID), membersCacheKey(b.ID))
	return nil
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return c.base.GetBoard(ctx, boardID)
}

func (c *Cache) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	return cached(ctx, c, listsCacheKey(boardID), func() ([]domain.List, error) {
		return c.base.Lists(ctx, boardID)
	})
}

func (c *Cache) GetList(ctx context.Context, boardID, listID string) (domain.List, error) {
	return c.base.GetList(ctx, boardID, listID)
}

func (c *Cache) InsertList(ctx context.Context, l domain.List) error {
	if err := c.base.InsertList(ctx, l); err != nil {
		return err
	}
	c.evict(ctx, listsCacheKey(l.BoardID))
	return nil
}

func (c *Cache) UpdateList(ctx context.Context, l domain.List, expected int64) error {
	if err := c.base.UpdateList(ctx, l, expected); err != nil {
		return err
	}
	c.evict(ctx, listsCacheKey(l.BoardID))
	return nil
}

func (c *Cache) Cards(ctx context.Context, boardID string) ([]domain.Card, error) {
	return cached(ctx, c, cardsCacheKey(boardID), func() ([]domain.Card, error) {
		return c.base.Cards(ctx, boardID)
	})
}

func (c *Cache) GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	return c.base.GetCard(ctx, boardID, cardID)
}

func (c *Cache) InsertCard(ctx context.Context, card domain.Card) error {
	if err := c.base.InsertCard(ctx, card); err != nil {
		return err
	}
	c.evict(ctx, cardsCacheKey(card.BoardID))
	return nil
}

func (c *Cache) UpdateCard(ctx context.Context, card domain.Card, expected int64) error {
	if err := c.base.UpdateCard(ctx, card, expected); err != nil {
		return err
	}
	c.evict(ctx, cardsCacheKey(card.BoardID))
	return nil
}

func (c *Cache) DeleteCard(ctx context.Context, boardID, cardID string, expected int64) error {
	if err := c.base.DeleteCard(ctx, boardID, cardID, expected); err != nil {
		return err
	}
	c.evict(ctx, cardsCacheKey(boardID))
	return nil
}

func (c *Cache) Members(ctx context.Context, boardID string) ([]string, error) {
	return cached(ctx, c, membersCacheKey(boardID), func() ([]string, error) {
		return c.base.Members(ctx, boardID)
	})
}

func (c *Cache) AddMember(ctx context.Context, boardID, userID string) error {
	if err := c.base.AddMember(ctx, boardID, userID); err != nil {
		return err
	}
	c.evict(ctx, membersCacheKey(boardID))
	return nil
}

func (c *Cache) RemoveMember(ctx context.Context, boardID, userID string) error {
	if err := c.base.RemoveMember(ctx, boardID, userID); err != nil {
		return err
	}
	c.evict(ctx, membersCacheKey(boardID))
	return nil
}
