package xcred

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultShardCount 默认分片数。
	DefaultShardCount = 16

	// DefaultShardSize 每个分片的默认容量。
	DefaultShardSize = 1024
)

// =============================================================================
// TokenCache 分片 Token 缓存
// =============================================================================

// TokenCache 按 (kind, scope) 缓存 Token。
//
// 键经 xxhash 映射到分片，每个分片是一个带独立锁的 LRU。
// 不同分片上的键互不竞争；落在同一分片的不同键共用该分片的锁，
// 会在读写映射的瞬间相互等待。锁只在读写映射时持有，从不跨越网络调用，
// 签发耗时不会传导给其他键。需要更低竞争时调大 Shards。
// Get 只返回新鲜的 Token，过期条目在读取时惰性删除。
type TokenCache struct {
	shards []*cacheShard
	margin time.Duration
	now    func() time.Time
}

type cacheShard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *Token]
}

// TokenCacheConfig TokenCache 配置。
type TokenCacheConfig struct {
	// Shards 分片数，默认 16。
	Shards int

	// ShardSize 每个分片的最大条目数，默认 1024。
	ShardSize int

	// SafetyMargin 安全余量，默认 3 分钟。
	SafetyMargin time.Duration

	// Now 时钟，测试时注入。
	Now func() time.Time
}

// NewTokenCache 创建 TokenCache。
func NewTokenCache(cfg TokenCacheConfig) *TokenCache {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShardCount
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = DefaultShardSize
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &TokenCache{
		shards: make([]*cacheShard, cfg.Shards),
		margin: cfg.SafetyMargin,
		now:    cfg.Now,
	}
	for i := range c.shards {
		l, _ := simplelru.NewLRU[string, *Token](cfg.ShardSize, nil) //nolint:errcheck // size 已保证为正
		c.shards[i] = &cacheShard{lru: l}
	}
	return c
}

func cacheKey(kind Kind, scope string) string {
	return kind.String() + "|" + scope
}

func (c *TokenCache) shard(key string) *cacheShard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get 返回新鲜的 Token。条目存在但已不新鲜时删除并返回 false。
func (c *TokenCache) Get(kind Kind, scope string) (*Token, bool) {
	key := cacheKey(kind, scope)
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !tok.Fresh(now, c.margin) {
		s.lru.Remove(key)
		return nil, false
	}
	return tok, true
}

// Put 写入 Token，覆盖已有条目。无效 Token 被拒绝。
func (c *TokenCache) Put(tok *Token) error {
	if err := tok.Validate(); err != nil {
		return err
	}
	key := cacheKey(tok.Kind, tok.ScopeKey)
	s := c.shard(key)

	s.mu.Lock()
	s.lru.Add(key, tok)
	s.mu.Unlock()
	return nil
}

// Invalidate 删除条目。条目不存在时为空操作。
func (c *TokenCache) Invalidate(kind Kind, scope string) {
	key := cacheKey(kind, scope)
	s := c.shard(key)

	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// InvalidateValue 仅在条目仍持有 value 时删除，返回是否删除。
//
// 并发请求拿着同一个被拒绝的 Token 时，只有第一个会删除条目；
// 之后已由其他请求刷新出的新 Token 不会被旧值误删。
func (c *TokenCache) InvalidateValue(kind Kind, scope, value string) bool {
	key := cacheKey(kind, scope)
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.lru.Peek(key)
	if !ok || tok.Value != value {
		return false
	}
	s.lru.Remove(key)
	return true
}

// Len 返回条目数（含尚未惰性删除的过期条目）。
func (c *TokenCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Clear 清空所有分片。
func (c *TokenCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// SafetyMargin 返回安全余量。
func (c *TokenCache) SafetyMargin() time.Duration {
	return c.margin
}
