// Package presence tracks which connections are currently online and in
// which role. It is the single source of truth for role and identity
// lookups; everything above it (registry, call engine, lifecycle hooks)
// reads through this contract rather than caching role decisions.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role classifies a connection as admin or client. It is assigned exactly
// once when the connection registers and never changes afterwards.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// ParseRole maps a caller-supplied role string onto the closed Role set.
// Anything outside {admin, client} is rejected.
func ParseRole(raw string) (Role, error) {
	switch strings.TrimSpace(raw) {
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleClient):
		return RoleClient, nil
	default:
		return "", fmt.Errorf("invalid role %q (expected %q or %q)", raw, RoleAdmin, RoleClient)
	}
}

// ErrNotFound is returned by lookups for connections without a presence
// record (never registered, or already removed).
var ErrNotFound = errors.New("presence: connection not found")

// Store is the presence store contract.
//
// All operations are atomic with respect to a single connection id; no
// cross-key transaction is required. Remove is idempotent: removing an
// absent connection is not an error, because disconnect notifications can
// be delivered more than once.
type Store interface {
	// Put records (role, userID) for a connection and adds userID to the
	// role's member set.
	Put(ctx context.Context, connID string, role Role, userID string) error

	// Remove deletes the connection's presence record and its member-set
	// entry. Removing an unknown connection is a no-op.
	Remove(ctx context.Context, connID string) error

	// RoleOf returns the connection's role, or ErrNotFound.
	RoleOf(ctx context.Context, connID string) (Role, error)

	// UserIDOf returns the connection's user id, or ErrNotFound.
	UserIDOf(ctx context.Context, connID string) (string, error)

	// Members returns the user ids currently online under a role. Order is
	// unspecified.
	Members(ctx context.Context, role Role) ([]string, error)

	// Clear wipes all presence state. It must run once at process startup:
	// connection ids from a previous run are meaningless, and stale rows
	// would make dead connections look online forever.
	Clear(ctx context.Context) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
