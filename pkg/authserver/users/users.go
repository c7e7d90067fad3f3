// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users is the provider's configured user directory. It verifies
// login credentials and supplies the claims released through ID tokens and
// the userinfo endpoint.
package users

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=users.go Store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	// The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotFound is returned by Get for unknown subjects.
	ErrNotFound = errors.New("user not found")
)

// User is an account that can log in.
type User struct {
	Subject       string
	Username      string
	PasswordHash  []byte
	Email         string
	EmailVerified bool
	Name          string
}

// Claims returns the user claims released for scopes: sub always, email and
// email_verified for "email", name for "profile".
func (u *User) Claims(scopes []string) map[string]any {
	claims := map[string]any{"sub": u.Subject}
	if slices.Contains(scopes, "email") && u.Email != "" {
		claims["email"] = u.Email
		claims["email_verified"] = u.EmailVerified
	}
	if slices.Contains(scopes, "profile") && u.Name != "" {
		claims["name"] = u.Name
	}
	return claims
}

// Store looks up and authenticates users.
type Store interface {
	// Authenticate returns the user when password matches.
	Authenticate(ctx context.Context, username, password string) (*User, error)
	// Get returns the user with the given subject.
	Get(ctx context.Context, subject string) (*User, error)
}

// Config is the YAML form of a user entry.
type Config struct {
	Subject       string `yaml:"subject"`
	Username      string `yaml:"username"`
	PasswordHash  string `yaml:"passwordHash"`
	Email         string `yaml:"email,omitempty"`
	EmailVerified bool   `yaml:"emailVerified,omitempty"`
	Name          string `yaml:"name,omitempty"`
}

// Directory is an immutable in-memory Store.
type Directory struct {
	byUsername map[string]*User
	bySubject  map[string]*User

	// dummyHash is compared against for unknown usernames so that lookups of
	// missing and existing users cost the same.
	dummyHash []byte
}

// NewDirectory builds a Directory from configuration. Password hashes must be
// bcrypt hashes; usernames and subjects must be unique.
func NewDirectory(entries []Config) (*Directory, error) {
	dummy, err := servercrypto.HashSecret("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}
	d := &Directory{
		byUsername: make(map[string]*User, len(entries)),
		bySubject:  make(map[string]*User, len(entries)),
		dummyHash:  dummy,
	}
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("user %d: %w", i, err)
		}
		if _, dup := d.byUsername[e.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", e.Username)
		}
		if _, dup := d.bySubject[e.Subject]; dup {
			return nil, fmt.Errorf("duplicate subject %q", e.Subject)
		}
		u := &User{
			Subject:       e.Subject,
			Username:      e.Username,
			PasswordHash:  []byte(e.PasswordHash),
			Email:         e.Email,
			EmailVerified: e.EmailVerified,
			Name:          e.Name,
		}
		d.byUsername[u.Username] = u
		d.bySubject[u.Subject] = u
	}
	return d, nil
}

// Validate checks a single entry.
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.New("subject is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if !servercrypto.IsBcryptHash([]byte(c.PasswordHash)) {
		return fmt.Errorf("user %q: passwordHash must be a bcrypt hash", c.Username)
	}
	return nil
}

// Authenticate implements Store.
func (d *Directory) Authenticate(_ context.Context, username, password string) (*User, error) {
	u, ok := d.byUsername[username]
	if !ok {
		_ = servercrypto.CompareSecret(d.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err := servercrypto.CompareSecret(u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

// Get implements Store.
func (d *Directory) Get(_ context.Context, subject string) (*User, error) {
	u, ok := d.bySubject[subject]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	cp := *u
	return &cp, nil
}

var _ Store = (*Directory)(nil)
