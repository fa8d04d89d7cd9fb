package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store with the same TTL and missing-key semantics
// as the Redis implementation. It backs tests and local development.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	hashes map[string]map[string]string
	expiry map[string]time.Time

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
		expiry: make(map[string]time.Time),
		Now:    time.Now,
	}
}

// purge drops expired entries for key. Caller holds mu.
func (s *Memory) purge(key string) {
	if exp, ok := s.expiry[key]; ok && !s.Now().Before(exp) {
		delete(s.values, key)
		delete(s.hashes, key)
		delete(s.expiry, key)
	}
}

func (s *Memory) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	val, ok := s.values[key]
	if !ok {
		return "", ErrMissing
	}
	return val, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	delete(s.expiry, key)
	return nil
}

func (s *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: setex %q: ttl must be positive, got %s", key, ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.expiry[key] = s.Now().Add(ttl)
	return nil
}

func (s *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	cur := int64(0)
	if raw, ok := s.values[key]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: incrby %q: value is not an integer", key)
		}
		cur = parsed
	}
	cur += n
	s.values[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Memory) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	if _, ok := s.values[key]; ok {
		return true, nil
	}
	_, ok := s.hashes[key]
	return ok, nil
}

func (s *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		s.purge(key)
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			delete(s.expiry, key)
			n++
			continue
		}
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			delete(s.expiry, key)
			n++
		}
	}
	return n, nil
}

func (s *Memory) TTLSeconds(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	_, isValue := s.values[key]
	_, isHash := s.hashes[key]
	if !isValue && !isHash {
		return TTLMissing, nil
	}
	exp, ok := s.expiry[key]
	if !ok {
		return TTLNone, nil
	}
	remaining := exp.Sub(s.Now())
	secs := int64(remaining / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs, nil
}

func (s *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.values {
		s.purge(key)
		if _, ok := s.values[key]; !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	for key := range s.hashes {
		s.purge(key)
		if _, ok := s.hashes[key]; !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	fields, ok := s.hashes[key]
	if !ok {
		return "", ErrMissing
	}
	val, ok := fields[field]
	if !ok {
		return "", ErrMissing
	}
	return val, nil
}

func (s *Memory) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	fields, ok := s.hashes[key]
	if !ok {
		fields = make(map[string]string)
		s.hashes[key] = fields
	}
	fields[field] = value
	return nil
}

func (s *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	out := make(map[string]string, len(s.hashes[key]))
	for field, val := range s.hashes[key] {
		out[field] = val
	}
	return out, nil
}

func (s *Memory) ExpireMany(_ context.Context, ttl time.Duration, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.Now().Add(ttl)
	for _, key := range keys {
		s.purge(key)
		_, isValue := s.values[key]
		_, isHash := s.hashes[key]
		if isValue || isHash {
			s.expiry[key] = deadline
		}
	}
	return nil
}

func (s *Memory) Close() error { return nil }
