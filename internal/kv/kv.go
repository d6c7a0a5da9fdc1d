// Package kv provides the durable key-value collaborator used for
// long-term memory, group memory, and persisted session flags. Values
// are JSON documents; the engine is the single writer per key.
package kv

import (
	"encoding/json"
	"sync"
)

// Store is the durable key-value contract. Get reports absence via
// the bool return; an absent key leaves the destination untouched.
type Store interface {
	Get(key string, dest any) (bool, error)
	Put(key string, value any) error
	Delete(key string) error
}

// Memory is an in-process Store used by tests and as the degraded
// fallback when no database is configured.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get unmarshals the stored document for key into dest.
func (m *Memory) Get(key string, dest any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Put stores value under key, replacing any existing document.
func (m *Memory) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

// Delete removes the document for key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
