// Package registry is the in-process view of presence: it translates
// connect, disconnect, and query intents into presence store calls and
// enforces role immutability.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaykit/callrelay/internal/presence"
)

// ErrDuplicateRegistration is returned when a connection that already has a
// role tries to register again. Roles are assigned exactly once per
// connection.
var ErrDuplicateRegistration = errors.New("registry: connection already registered")

type Registry struct {
	store presence.Store
}

func New(store presence.Store) *Registry {
	return &Registry{store: store}
}

// RegisterAdmin records the connection as an admin and adds its user id to
// the active admin set.
func (r *Registry) RegisterAdmin(ctx context.Context, connID, userID string) error {
	return r.register(ctx, connID, presence.RoleAdmin, userID)
}

// RegisterClient records the connection as a client and adds its user id to
// the active user set.
func (r *Registry) RegisterClient(ctx context.Context, connID, userID string) error {
	return r.register(ctx, connID, presence.RoleClient, userID)
}

func (r *Registry) register(ctx context.Context, connID string, role presence.Role, userID string) error {
	_, err := r.store.RoleOf(ctx, connID)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, connID)
	}
	if !errors.Is(err, presence.ErrNotFound) {
		return err
	}

	// The user id is caller-supplied and optional; the connection id is the
	// fallback identity.
	if userID == "" {
		userID = connID
	}
	return r.store.Put(ctx, connID, role, userID)
}

// Deregister removes the connection's presence record and member-set entry.
// Deregistering an unknown connection is a no-op: disconnect cleanup must be
// idempotent because duplicate disconnect notifications occur.
func (r *Registry) Deregister(ctx context.Context, connID string) error {
	return r.store.Remove(ctx, connID)
}

// RoleOf returns the connection's current role, or presence.ErrNotFound.
func (r *Registry) RoleOf(ctx context.Context, connID string) (presence.Role, error) {
	return r.store.RoleOf(ctx, connID)
}

// ActiveAdmins returns the user ids currently online as admins.
func (r *Registry) ActiveAdmins(ctx context.Context) ([]string, error) {
	return r.store.Members(ctx, presence.RoleAdmin)
}

// ActiveClients returns the user ids currently online as clients.
func (r *Registry) ActiveClients(ctx context.Context) ([]string, error) {
	return r.store.Members(ctx, presence.RoleClient)
}
