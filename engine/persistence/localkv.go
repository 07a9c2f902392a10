package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalKV is an in-process KV backend with optional JSON file
// write-through, for single-instance deployments or local development
// where no remote store is configured.
type LocalKV struct {
	mu       sync.RWMutex
	data     map[string][]byte
	filePath string
}

// NewLocalKV builds a LocalKV. If filePath is non-empty, every Set/Delete
// persists the full key set to that file as JSON, and the constructor
// attempts to load existing state from it.
func NewLocalKV(filePath string) (*LocalKV, error) {
	kv := &LocalKV{data: make(map[string][]byte), filePath: filePath}
	if filePath == "" {
		return kv, nil
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return kv, nil
		}
		return nil, fmt.Errorf("persistence: read local kv file %s: %w", filePath, err)
	}
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("persistence: decode local kv file %s: %w", filePath, err)
	}
	for k, v := range encoded {
		kv.data[k] = []byte(v)
	}
	return kv, nil
}

func (kv *LocalKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok, nil
}

func (kv *LocalKV) Set(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	kv.data[key] = value
	kv.mu.Unlock()
	return kv.flush()
}

func (kv *LocalKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
	return kv.flush()
}

func (kv *LocalKV) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range kv.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// flush writes the full key set to filePath, if configured. Must be
// called without holding kv.mu.
func (kv *LocalKV) flush() error {
	if kv.filePath == "" {
		return nil
	}
	kv.mu.RLock()
	encoded := make(map[string]string, len(kv.data))
	for k, v := range kv.data {
		encoded[k] = string(v)
	}
	kv.mu.RUnlock()

	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("persistence: encode local kv file: %w", err)
	}
	if dir := filepath.Dir(kv.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persistence: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(kv.filePath, raw, 0o644); err != nil {
		return fmt.Errorf("persistence: write local kv file %s: %w", kv.filePath, err)
	}
	return nil
}
