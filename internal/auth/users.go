package auth

import (
	"crypto/subtle"
	"fmt"
)

// Users checks login credentials. The service has a single configured
// account; its password is hashed once at startup and never kept in clear.
// A password already in HashPassword form is used as the hash itself.
type Users struct {
	username string
	hash     string
}

// NewUsers creates a credential store holding one account.
func NewUsers(username, password string) (*Users, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("auth: username and password are required")
	}
	if IsPasswordHash(password) {
		if _, _, _, err := decodeHash(password); err != nil {
			return nil, err
		}
		return &Users{username: username, hash: password}, nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Users{username: username, hash: hash}, nil
}

// Authenticate reports whether the credentials match. Unknown usernames
// cost the same as wrong passwords.
func (u *Users) Authenticate(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(u.username)) != 1 {
		DummyVerify()
		return false
	}
	ok, err := VerifyPassword(password, u.hash)
	return err == nil && ok
}
