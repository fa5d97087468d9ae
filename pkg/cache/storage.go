package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrUncacheableMethod is returned when storing a non-GET response
	ErrUncacheableMethod = errors.New("only GET requests can be cached")
)

// writeStripes is the number of in-process locks guarding same-key writes.
const writeStripes = 64

// Storage hands out named cache partitions stored in Redis.
type Storage struct {
	redis  *redis.Client
	maxAge time.Duration
	locks  [writeStripes]sync.Mutex
}

// Option configures a Storage.
type Option func(*Storage)

// WithMaxAge expires entries maxAge after they were stored.
func WithMaxAge(maxAge time.Duration) Option {
	return func(s *Storage) {
		s.maxAge = maxAge
	}
}

// NewStorage creates a new cache storage with Redis backend.
func NewStorage(redisClient *redis.Client, opts ...Option) *Storage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &Storage{
		redis: redisClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the partition called name, registering it on first use.
func (s *Storage) Open(ctx context.Context, name string) (*Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name cannot be empty")
	}
	if err := s.redis.SAdd(ctx, partitionsKey, name).Err(); err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &Partition{storage: s, name: name}, nil
}

// Names lists the partitions opened so far.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, partitionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return names, nil
}

// Remove deletes a partition and all of its entries.
func (s *Storage) Remove(ctx context.Context, name string) error {
	iter := s.redis.Scan(ctx, 0, partitionPattern(name), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Del(ctx, iter.Val()).Err(); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return s.redis.SRem(ctx, partitionsKey, name).Err()
}

func (s *Storage) stripe(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%writeStripes]
}

// Partition is one named cache.
type Partition struct {
	storage *Storage
	name    string
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// Match retrieves the cached response for req.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (p *Partition) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := KeyFor(p.name, req)
	cacheKey := key.String()

	data, err := p.storage.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.WithLabelValues(p.name).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.ExpiredAt(time.Now()) {
		_ = p.storage.redis.Del(ctx, cacheKey).Err()
		CacheMisses.WithLabelValues(p.name).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(p.name).Inc()
	return EntryToResponse(&entry, req), nil
}

// Put stores resp under req as fetched now. The response body is restored
// for the caller.
func (p *Partition) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	return p.PutFetched(ctx, req, resp, time.Now())
}

// PutFetched stores resp under req unless the stored entry comes from a
// fetch that started after fetchedAt. The response body is restored for the
// caller.
func (p *Partition) PutFetched(ctx context.Context, req *http.Request, resp *http.Response, fetchedAt time.Time) error {
	if req.Method != "" && req.Method != http.MethodGet {
		return ErrUncacheableMethod
	}

	entry, err := ResponseToEntry(resp, p.storage.maxAge)
	if err != nil {
		return err
	}
	entry.FetchedAt = fetchedAt

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	cacheKey := KeyFor(p.name, req).String()

	// The stripe spans the read and the write so that writers in this
	// process compare against each other's results.
	mu := p.storage.stripe(cacheKey)
	mu.Lock()
	defer mu.Unlock()

	stored, err := p.stored(ctx, cacheKey)
	if err != nil {
		return err
	}
	if stored != nil && !stored.ExpiredAt(time.Now()) && stored.fetchedAt().After(fetchedAt) {
		CacheStaleWrites.WithLabelValues(p.name).Inc()
		return nil
	}

	// A zero TTL keeps the key without expiry.
	if err := p.storage.redis.Set(ctx, cacheKey, data, entry.TTLAt(time.Now())).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CachePuts.WithLabelValues(p.name).Inc()
	return nil
}

// stored returns the entry under cacheKey, or nil if there is none or it
// cannot be decoded.
func (p *Partition) stored(ctx context.Context, cacheKey string) (*CacheEntry, error) {
	data, err := p.storage.redis.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}

// Delete removes the entry for req.
func (p *Partition) Delete(ctx context.Context, req *http.Request) error {
	if err := p.storage.redis.Del(ctx, KeyFor(p.name, req).String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
