// Package session handles connection lifecycle: role registration on
// connect, presence notifications, and cleanup on disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/presence"
	"github.com/relaykit/callrelay/internal/registry"
	"github.com/relaykit/callrelay/internal/wire"
)

var (
	ErrMissingRole = errors.New("A role query parameter is required.")
	ErrInvalidRole = errors.New("Role must be admin or client.")
)

// Broadcaster is the slice of the transport hub the controller needs.
type Broadcaster interface {
	SendTo(connID string, v any)
	SendToAll(v any)
	AddToGroup(group, connID string)
	RemoveFromGroup(group, connID string)
}

// CallTable is the per-connection call state to discard on disconnect.
type CallTable interface {
	Drop(connID string)
}

// Controller registers connections with the presence registry and keeps
// the admin broadcast group and the active-user notifications in sync
// with it.
type Controller struct {
	reg     *registry.Registry
	hub     Broadcaster
	calls   CallTable
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewController(reg *registry.Registry, b Broadcaster, calls CallTable, m *metrics.Metrics, log *slog.Logger) *Controller {
	return &Controller{
		reg:     reg,
		hub:     b,
		calls:   calls,
		metrics: m,
		log:     log,
	}
}

// Connect registers the connection under its declared role.
//
// Admins join the admins broadcast group and receive the current active
// client list. Clients trigger a refresh broadcast so every connected
// peer re-fetches presence. A rejected role leaves no trace in the
// registry; the transport layer reports the error and closes the socket.
func (c *Controller) Connect(ctx context.Context, connID, rawRole, userID string) error {
	if rawRole == "" {
		c.metrics.Inc(metrics.ConnectRejected)
		return ErrMissingRole
	}
	role, err := presence.ParseRole(rawRole)
	if err != nil {
		c.metrics.Inc(metrics.ConnectRejected)
		return ErrInvalidRole
	}

	switch role {
	case presence.RoleAdmin:
		if err := c.reg.RegisterAdmin(ctx, connID, userID); err != nil {
			return fmt.Errorf("connect admin: %w", err)
		}
		c.hub.AddToGroup(hub.GroupAdmins, connID)
		c.metrics.Inc(metrics.ConnectAdmin)

		clients, err := c.reg.ActiveClients(ctx)
		if err != nil {
			// The admin is connected either way; it just starts with a stale
			// view until the next presence broadcast.
			c.log.Warn("active client lookup failed", "conn_id", connID, "err", err)
		} else {
			c.hub.SendTo(connID, wire.NewActiveUsersUpdated(clients))
		}
	case presence.RoleClient:
		if err := c.reg.RegisterClient(ctx, connID, userID); err != nil {
			return fmt.Errorf("connect client: %w", err)
		}
		c.metrics.Inc(metrics.ConnectClient)
		c.broadcastActiveClients(ctx)
	}

	c.log.Info("session connected", "conn_id", connID, "role", role, "user_id", userID)
	return nil
}

// Disconnect tears down whatever Connect set up. It is safe to call for
// connections that never completed registration and safe to call twice.
func (c *Controller) Disconnect(ctx context.Context, connID string) {
	defer c.calls.Drop(connID)

	role, err := c.reg.RoleOf(ctx, connID)
	if err != nil {
		if !errors.Is(err, presence.ErrNotFound) {
			c.metrics.Inc(metrics.StoreFailure)
			c.log.Error("role lookup on disconnect", "conn_id", connID, "err", err)
		}
		return
	}

	if err := c.reg.Deregister(ctx, connID); err != nil {
		c.metrics.Inc(metrics.StoreFailure)
		c.log.Error("deregister", "conn_id", connID, "err", err)
	}
	c.metrics.Inc(metrics.Disconnect)

	switch role {
	case presence.RoleAdmin:
		c.hub.RemoveFromGroup(hub.GroupAdmins, connID)
	case presence.RoleClient:
		c.broadcastActiveClients(ctx)
	}

	c.log.Info("session disconnected", "conn_id", connID, "role", role)
}

// broadcastActiveClients tells every connected peer who is online after a
// client joins or leaves. Best effort: a failed list read is logged and
// the broadcast skipped rather than sending a misleading empty list.
func (c *Controller) broadcastActiveClients(ctx context.Context) {
	clients, err := c.reg.ActiveClients(ctx)
	if err != nil {
		c.metrics.Inc(metrics.StoreFailure)
		c.log.Warn("active client lookup failed", "err", err)
		return
	}
	c.hub.SendToAll(wire.NewUpdateActiveUsers(clients))
}
