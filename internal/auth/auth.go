// Package auth provides authentication for the PeopleDesk landlord API.
//
// Authentication model:
// - Public endpoints (package listing, signup, renewal checkout, payment webhooks): no auth
// - Administration (packages, tenants): X-Admin-Secret header
// - Customer passwords are bcrypt-hashed before they reach any store
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Errors
var (
	ErrPasswordTooShort = errors.New("auth: password too short")
	ErrPasswordTooLong  = errors.New("auth: password too long")
	ErrPasswordMismatch = errors.New("auth: password mismatch")
)

// MinPasswordLength is the shortest accepted customer password.
const MinPasswordLength = 8

// maxPasswordLength is bcrypt's input limit.
const maxPasswordLength = 72

// Hasher hashes customer passwords. Cost defaults to bcrypt.DefaultCost.
type Hasher struct {
	Cost int
}

// NewHasher returns a hasher with the default bcrypt cost.
func NewHasher() *Hasher {
	return &Hasher{Cost: bcrypt.DefaultCost}
}

// Hash validates and hashes a plaintext password.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify checks a plaintext password against a stored hash.
func (h *Hasher) Verify(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return err
	}
	return nil
}
