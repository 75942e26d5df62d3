// Copyright 2024-2026 Aiku AI

package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// Key namespaces. Raw values and lists share the flat key space; lists
// are stored JSON-encoded under a "list:" prefix so the two kinds can
// never collide.
const (
	rawPrefix  = "raw:"
	listPrefix = "list:"
)

// Pebble is a Store backed by a Pebble database on disk. Every write is
// synced; the configuration workload is tiny and durability matters more
// than throughput here.
type Pebble struct {
	db  *pebble.DB
	log zerolog.Logger
}

var _ Store = (*Pebble)(nil)

// OpenPebble opens (or creates) a Pebble database at the given path.
func OpenPebble(path string, log zerolog.Logger) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Opened config store")
	return &Pebble{db: db, log: log}, nil
}

func (p *Pebble) GetList(key string) ([]string, error) {
	data, closer, err := p.db.Get([]byte(listPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	defer closer.Close()

	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("corrupt list value for %s: %w", key, err)
	}
	return values, nil
}

func (p *Pebble) SetList(key string, values []string) error {
	if len(values) == 0 {
		return p.deleteKey(listPrefix + key)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal list %s: %w", key, err)
	}
	if err := p.db.Set([]byte(listPrefix+key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write list %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) GetRaw(key, def string) (string, error) {
	data, closer, err := p.db.Get([]byte(rawPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	return string(data), nil
}

func (p *Pebble) SetRaw(key, value string) error {
	if err := p.db.Set([]byte(rawPrefix+key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(key string) error {
	if err := p.deleteKey(rawPrefix + key); err != nil {
		return err
	}
	return p.deleteKey(listPrefix + key)
}

func (p *Pebble) deleteKey(fullKey string) error {
	if err := p.db.Delete([]byte(fullKey), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", fullKey, err)
	}
	return nil
}

func (p *Pebble) Close() error {
	p.log.Debug().Msg("Closing config store")
	return p.db.Close()
}
