package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"sortir/internal/config"
	"sortir/internal/model"
)

var (
	// ErrNotFound is returned by a Store that has no document for a key.
	ErrNotFound = errors.New("cache document not found")
	// ErrCorrupt is returned for a document that cannot be decoded. The
	// Manager treats it like ErrNotFound.
	ErrCorrupt = errors.New("cache document corrupt")
)

// Document is the persisted form of one cache entry.
type Document struct {
	WrittenAt time.Time     `json:"writtenAt"`
	Payload   []model.Event `json:"payload"`
}

// Store persists one Document per key. Save must replace the previous
// document atomically.
type Store interface {
	Load(ctx context.Context, key string) (Document, error)
	Save(ctx context.Context, key string, doc Document) error
}

// FileStore keeps each document in <dir>/<key>.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (Document, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return decode(data)
}

func (s *FileStore) Save(_ context.Context, key string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.path(key), data, 0o600)
}

func decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.WrittenAt.IsZero() {
		return Document{}, fmt.Errorf("%w: missing writtenAt", ErrCorrupt)
	}
	return doc, nil
}
