package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTopicNotFound and ErrRunNotFound wrap ErrNotFound so callers can use
// errors.Is(err, ErrNotFound) generically and still tell them apart.
var (
	ErrTopicNotFound    = fmt.Errorf("storage: topic: %w", ErrNotFound)
	ErrRunNotFound      = fmt.Errorf("storage: run: %w", ErrNotFound)
	ErrArtifactNotFound = fmt.Errorf("storage: artifact: %w", ErrNotFound)
)
