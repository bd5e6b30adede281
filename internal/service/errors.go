package service

import (
	"errors"

	"github.com/dpmtasks/taskauth/internal/store"
)

var (
	ErrDuplicateIdentity  = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotProvisioned     = errors.New("second factor not provisioned")
	ErrValidation         = errors.New("validation failed")

	// ErrNotFound is the store's not-found sentinel, re-exported for callers
	// that only depend on this package.
	ErrNotFound = store.ErrNotFound
)
