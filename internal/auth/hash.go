package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// hashPrefix starts every encoded hash. Encoded hashes use the PHC string
// format: $argon2id$v=19$m=<KiB>,t=<passes>,p=<threads>$<salt>$<key>, with
// unpadded base64 salt and key.
const hashPrefix = "$argon2id$"

const saltLen = 16

type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultParams = argonParams{memory: 64 * 1024, time: 1, threads: 4, keyLen: 32}

var errInvalidHash = errors.New("auth: invalid password hash")

// HashPassword hashes a password with Argon2id and returns the PHC-encoded
// result.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix, argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// IsPasswordHash reports whether s looks like a hash from HashPassword
// rather than a clear-text password.
func IsPasswordHash(s string) bool {
	return strings.HasPrefix(s, hashPrefix)
}

// DummyVerify performs an Argon2id hash with the default cost parameters.
// Call this on failure paths where no real hash was checked, so that
// response timing does not reveal whether a username exists.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyPassword checks a password against a PHC-encoded Argon2id hash,
// using the cost parameters recorded in the hash.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	rest, ok := strings.CutPrefix(encoded, hashPrefix)
	if !ok {
		return argonParams{}, nil, nil, errInvalidHash
	}
	parts := strings.Split(rest, "$")
	if len(parts) != 4 {
		return argonParams{}, nil, nil, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[0], "v=%d", &version); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: version: %v", errInvalidHash, err)
	}
	if version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("%w: unsupported version %d", errInvalidHash, version)
	}

	var p argonParams
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: parameters: %v", errInvalidHash, err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: zero cost parameter", errInvalidHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: salt: %v", errInvalidHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: key", errInvalidHash)
	}
	p.keyLen = uint32(len(key)) //nolint:gosec // bounded by the encoded string length
	return p, salt, key, nil
}
