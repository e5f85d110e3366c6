package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrTerminal indicates a write was attempted against a build that already
// reached a terminal state.
var ErrTerminal = errors.New("repository: build already terminal")
