// Package artifact stores de-identified export payloads and mints
// time-limited signed download URLs. The bucket itself is private: the
// signed URL, not bucket ACLs, is the access boundary, so a leaked URL is
// equivalent to data leakage until it expires.
package artifact

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrExpiredURL = errors.New("signed url has expired")
	ErrEmptyPath  = errors.New("artifact path is required")
	ErrTooLarge   = errors.New("artifact exceeds maximum allowed size")
)

// MaxArtifactSize bounds a single export payload (500 MB).
const MaxArtifactSize = 500 * 1024 * 1024

// Object describes a stored artifact and its signed download URL.
type Object struct {
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store uploads bytes to a path and returns a signed, time-limited URL for
// downloading them.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (*Object, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedArtifact struct {
	object  Object
	content []byte
	token   string
}

// Memory is a thread-safe, in-memory Store for testing and development.
// Signed URLs use a random token so a path alone is not enough to fetch
// content, mirroring the presigned-URL access model of the S3 backend.
type Memory struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]*storedArtifact
}

// NewMemory returns an in-memory store minting URLs valid for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]*storedArtifact),
	}
}

// SetClock overrides the store's clock; used by tests.
func (s *Memory) SetClock(now func() time.Time) { s.now = now }

func (s *Memory) Put(_ context.Context, path string, data []byte, contentType string) (*Object, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if int64(len(data)) > MaxArtifactSize {
		return nil, ErrTooLarge
	}

	h := sha256.Sum256(data)
	token := uuid.New().String()
	now := s.now().UTC()

	obj := Object{
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		URL:         fmt.Sprintf("memory://%s?token=%s", path, token),
		ExpiresAt:   now.Add(s.ttl),
	}

	content := make([]byte, len(data))
	copy(content, data)

	s.mu.Lock()
	s.items[path] = &storedArtifact{object: obj, content: content, token: token}
	s.mu.Unlock()

	out := obj // copy
	return &out, nil
}

// Fetch resolves a signed URL minted by Put. Used by tests and the dev
// download endpoint.
func (s *Memory) Fetch(url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.object.URL != url {
			continue
		}
		if s.now().UTC().After(item.object.ExpiresAt) {
			return nil, ErrExpiredURL
		}
		content := make([]byte, len(item.content))
		copy(content, item.content)
		return content, nil
	}
	return nil, ErrNotFound
}

// Stat returns the stored object metadata for a path.
func (s *Memory) Stat(path string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[path]
	if !ok {
		return nil, ErrNotFound
	}
	obj := item.object // copy
	return &obj, nil
}
