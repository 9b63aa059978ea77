package kv

import (
	"context"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Memory is an in-process Store backed by an ordered treemap. It is the
// default backend; contents do not survive a restart.
type Memory struct {
	mu sync.RWMutex
	m  *treemap.Map
}

func NewMemory() *Memory {
	return &Memory{m: treemap.NewWithStringComparator()}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.m.Put(key, cp)
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Remove(key)
	return nil
}

func (s *Memory) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []Entry
	it := s.m.Iterator()
	for it.Next() {
		key := it.Key().(string)
		if key < prefix {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		entries = append(entries, Entry{Key: key, Value: it.Value().([]byte)})
	}
	return entries, nil
}
