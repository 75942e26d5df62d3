// Copyright 2024-2026 Aiku AI

// Package store provides the key-value configuration store used by the
// wormhole relay engine for link-group membership, moderation lists and
// private-group records. Two implementations are provided: a persistent
// Pebble-backed store and an in-memory store for tests.
package store

import "errors"

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the external configuration store contract. Lists are ordered
// sequences of strings; raw values are opaque strings (callers typically
// keep JSON in them). Implementations must be safe for concurrent use.
type Store interface {
	// GetList returns the list stored under key, or an empty list if the
	// key does not exist.
	GetList(key string) ([]string, error)
	// SetList replaces the list stored under key. An empty list deletes
	// the key.
	SetList(key string, values []string) error
	// GetRaw returns the raw value stored under key, or def if the key
	// does not exist.
	GetRaw(key, def string) (string, error)
	// SetRaw replaces the raw value stored under key.
	SetRaw(key, value string) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases any resources held by the store.
	Close() error
}
