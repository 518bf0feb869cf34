package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"redteamer/internal/redact"
)

// FileCache persists generation results keyed by provider, model, and a
// redacted prompt hash, so repeated runs against the same target can be
// replayed without spend.
type FileCache struct {
	root string
}

func NewFileCache(root string) (*FileCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileCache{root: root}, nil
}

func (c *FileCache) key(provider, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte("::"))
	h.Write([]byte(model))
	h.Write([]byte("::"))
	h.Write([]byte(redact.Redact(prompt)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *FileCache) Get(provider, model, prompt string) (string, bool) {
	path := filepath.Join(c.root, c.key(provider, model, prompt)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return "", false
	}
	return value, true
}

func (c *FileCache) Set(provider, model, prompt, value string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	path := filepath.Join(c.root, c.key(provider, model, prompt)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Cached decorates a Generator with a FileCache.
type Cached struct {
	inner Generator
	cache *FileCache
}

func NewCached(inner Generator, cache *FileCache) *Cached {
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) Name() string {
	return c.inner.Name()
}

func (c *Cached) Generate(ctx context.Context, prompt string) (string, error) {
	if value, ok := c.cache.Get("rtz", c.inner.Name(), prompt); ok {
		return value, nil
	}
	value, err := c.inner.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	_ = c.cache.Set("rtz", c.inner.Name(), prompt, value)
	return value, nil
}
