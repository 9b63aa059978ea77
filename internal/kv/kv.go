// Package kv defines the sorted key-value interface the namenode
// persists metadata through, with in-memory and Postgres backends.
package kv

import "context"

type Entry struct {
	Key   string
	Value []byte
}

// Store is a durable sorted key-value store. Single-key operations are
// atomic; multi-step invariants are built on top by the caller.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns all entries whose key starts with prefix, in
	// ascending key order.
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
}
