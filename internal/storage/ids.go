package storage

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidName is returned for artifact names that reduce to nothing once
// directory components are stripped.
var ErrInvalidName = errors.New("storage: invalid artifact name")

func shortHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// NewTopicID returns an id of the form topic-{8 hex}.
func NewTopicID() string {
	return "topic-" + shortHex(8)
}

// NewRunID returns an id of the form run-{YYYYmmdd-HHMMSS}-{4 hex} using the
// UTC wall clock of now.
func NewRunID(now time.Time) string {
	return "run-" + now.UTC().Format("20060102-150405") + "-" + shortHex(4)
}

// NewArtifactID returns an id of the form art-{stem}-{8 hex}.
func NewArtifactID(name string) string {
	stem := strings.TrimSuffix(name, path.Ext(name))
	return "art-" + stem + "-" + shortHex(8)
}

// SafeArtifactName keeps only the final path element of name.
func SafeArtifactName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", ErrInvalidName
	}
	return base, nil
}
