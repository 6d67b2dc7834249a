// Package blob stores artifact content. Metadata lives in the database;
// this package only maps keys of the form topic/run/name to bytes.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("blob: not found")

// ErrInvalidKey is returned for keys that are empty, absolute or that
// escape the store root.
var ErrInvalidKey = errors.New("blob: invalid key")

// Store holds artifact content.
type Store interface {
	// Put writes data under key, replacing any existing content.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the content at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix removes every key below prefix. Missing prefixes are not
	// an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key joins parts into a store key.
func Key(parts ...string) string {
	return path.Join(parts...)
}

// cleanKey validates key and returns its canonical form.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

// DetectContentType sniffs data, preferring the extension of name for the
// text formats the pipeline writes, which content sniffing cannot tell
// apart from plain text.
func DetectContentType(name string, data []byte) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".json":
		return "application/json"
	}
	return mimetype.Detect(data).String()
}
