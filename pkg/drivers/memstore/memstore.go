// Package memstore implements an in-memory kv.Driver. It is used by tests
// and for local development without a Redis instance.
package memstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

// Store is an in-memory key-value store with pub/sub. Safe for concurrent
// use. Expiry is enforced lazily on access.
type Store struct {
	mu      sync.RWMutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time

	subMu  sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
		subs:    make(map[*subscriber]struct{}),
	}
}

var _ kv.Driver = (*Store)(nil)

// reapLocked removes the key everywhere if its TTL has lapsed. Callers
// hold the write lock.
func (s *Store) reapLocked(key string) {
	if exp, ok := s.expiry[key]; ok && time.Now().After(exp) {
		s.removeLocked(key)
	}
}

func (s *Store) removeLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.zsets, key)
	delete(s.expiry, key)
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.sets[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	return false
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		s.reapLocked(key)
		if s.existsLocked(key) {
			s.removeLocked(key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	return s.existsLocked(key), nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	if !s.existsLocked(key) {
		return nil
	}
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	if !s.existsLocked(key) {
		return -2 * time.Second, nil
	}
	exp, ok := s.expiry[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return time.Until(exp), nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	return int64(len(s.sets[key])), nil
}

func (s *Store) ZAdd(ctx context.Context, key string, members ...kv.ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64, len(members))
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

// orderedLocked returns members sorted by score, ties broken
// lexicographically, matching Redis semantics.
func (s *Store) orderedLocked(key string) []kv.ZMember {
	z := s.zsets[key]
	out := make([]kv.ZMember, 0, len(z))
	for m, score := range z {
		out = append(out, kv.ZMember{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// sliceRange applies Redis start/stop semantics including negative indexes.
func sliceRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	ordered := s.orderedLocked(key)
	lo, hi, ok := sliceRange(int64(len(ordered)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, hi-lo+1)
	for _, m := range ordered[lo : hi+1] {
		out = append(out, m.Member)
	}
	return out, nil
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	ordered := s.orderedLocked(key)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	lo, hi, ok := sliceRange(int64(len(ordered)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, hi-lo+1)
	for _, m := range ordered[lo : hi+1] {
		out = append(out, m.Member)
	}
	return out, nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	var out []string
	for _, m := range s.orderedLocked(key) {
		if m.Score >= min && m.Score <= max {
			out = append(out, m.Member)
		}
	}
	return out, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	return int64(len(s.zsets[key])), nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	collect := func(key string) {
		s.reapLocked(key)
		if !s.existsLocked(key) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.shutdown()
	}
	s.subs = make(map[*subscriber]struct{})
	return nil
}
