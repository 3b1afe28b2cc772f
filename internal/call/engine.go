// Package call implements the per-call-attempt signaling state machine:
// ring fan-out to the admin pool, answer/decline arbitration between
// admins, and idempotent cleanup when calls end or callers disconnect.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/presence"
	"github.com/relaykit/callrelay/internal/registry"
	"github.com/relaykit/callrelay/internal/wire"
)

// Sender is the slice of the transport hub the engine needs. Delivery is
// fire-and-forget: sends to connections that have gone away are no-ops.
type Sender interface {
	SendTo(connID string, v any)
	SendToGroup(group string, v any)
}

// ProtocolError is a role violation on a signaling operation. It is
// reported to the caller as an Error notification; the connection stays
// open.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return e.msg }

var (
	ErrOnlyClientsInitiate = &ProtocolError{msg: "Only clients can initiate calls."}
	ErrOnlyAdminsAnswer    = &ProtocolError{msg: "Only admins can answer calls."}
	ErrOnlyAdminsDecline   = &ProtocolError{msg: "Only admins can decline calls."}

	// ErrNoAdminsOnline is not a protocol violation: the client did nothing
	// wrong and may simply retry later.
	ErrNoAdminsOnline = errors.New("No admin is currently online.")
)

type Status int

const (
	StatusRinging Status = iota + 1
	StatusAnswered
)

type attempt struct {
	status Status
}

// Engine tracks at most one call attempt per initiating connection. The
// attempt table is shared by every connection goroutine and is guarded by
// a single mutex; role checks always hit the registry at call time rather
// than caching the answer.
type Engine struct {
	reg     *registry.Registry
	send    Sender
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewEngine(reg *registry.Registry, send Sender, m *metrics.Metrics, log *slog.Logger) *Engine {
	return &Engine{
		reg:      reg,
		send:     send,
		metrics:  m,
		log:      log,
		attempts: make(map[string]*attempt),
	}
}

// Initiate rings every admin currently online with the caller's offer and
// tells the caller how many admins were contacted.
//
// The fan-out goes to the admins broadcast group, whose membership is
// evaluated at send time; the admin count reported to the caller comes
// from the registry read a moment earlier. The two can briefly disagree
// while admins connect or disconnect, which is tolerated.
func (e *Engine) Initiate(ctx context.Context, callerID string, offer wire.SDP) error {
	role, err := e.reg.RoleOf(ctx, callerID)
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		return fmt.Errorf("initiate: %w", err)
	}
	if role != presence.RoleClient {
		return ErrOnlyClientsInitiate
	}

	admins, err := e.reg.ActiveAdmins(ctx)
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	if len(admins) == 0 {
		e.metrics.Inc(metrics.NoAdminsOnline)
		return ErrNoAdminsOnline
	}

	e.mu.Lock()
	// Re-initiating while a previous attempt is still tracked replaces it;
	// there is at most one attempt per caller.
	e.attempts[callerID] = &attempt{status: StatusRinging}
	e.mu.Unlock()

	e.send.SendToGroup(hub.GroupAdmins, wire.NewReceiveOffer(callerID, offer))
	e.send.SendTo(callerID, wire.NewRinging(len(admins)))

	e.metrics.Inc(metrics.CallInitiated)
	e.log.Info("call ringing", "caller", callerID, "admins", len(admins))
	return nil
}

// Answer delivers an admin's answer to the caller and tells the rest of
// the admin pool to stop presenting the call.
//
// First answer wins at the UX level, but a second admin racing through
// here is accepted: the attempt is overwritten and the caller just gets a
// redundant notification. No lock is held between admins, so treating the
// race as an error would be a lie.
func (e *Engine) Answer(ctx context.Context, adminID, callerID string, answer wire.SDP) error {
	role, err := e.reg.RoleOf(ctx, adminID)
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		return fmt.Errorf("answer: %w", err)
	}
	if role != presence.RoleAdmin {
		return ErrOnlyAdminsAnswer
	}

	e.mu.Lock()
	if a, ok := e.attempts[callerID]; ok {
		a.status = StatusAnswered
	}
	// The caller may already be gone (disconnected mid-ring). Notifications
	// below become transport no-ops in that case.
	e.mu.Unlock()

	e.send.SendTo(callerID, wire.NewReceiveAnswer(adminID, answer))
	e.send.SendToGroup(hub.GroupAdmins, wire.NewStopRinging(callerID))
	e.send.SendToGroup(hub.GroupAdmins, wire.NewCallAnswered(callerID))

	e.metrics.Inc(metrics.CallAnswered)
	e.log.Info("call answered", "caller", callerID, "admin", adminID)
	return nil
}

// Decline notifies the caller that this admin declined and silences the
// ring for the declining admin only. Other admins keep ringing and the
// attempt stays in the ringing state; with no per-admin decline tracking
// the call lingers until it is answered, ended, or the caller disconnects.
func (e *Engine) Decline(ctx context.Context, adminID, callerID string) error {
	role, err := e.reg.RoleOf(ctx, adminID)
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		return fmt.Errorf("decline: %w", err)
	}
	if role != presence.RoleAdmin {
		return ErrOnlyAdminsDecline
	}

	e.send.SendTo(callerID, wire.NewCallDeclined(adminID))
	e.send.SendTo(adminID, wire.NewStopRinging(callerID))

	e.metrics.Inc(metrics.CallDeclined)
	e.log.Info("call declined", "caller", callerID, "admin", adminID)
	return nil
}

// RelayCandidate forwards a trickle ICE candidate to its target. No role
// check and no state change; either side of an established exchange may
// send candidates.
func (e *Engine) RelayCandidate(ctx context.Context, fromID, targetID string, cand wire.Candidate) error {
	e.send.SendTo(targetID, wire.NewReceiveCandidate(fromID, cand))
	return nil
}

// End notifies both ends that the call is over and drops any attempt
// tracked for either of them. Ending an already-ended call is a no-op
// apart from the notifications.
func (e *Engine) End(ctx context.Context, connID, otherID string) error {
	e.mu.Lock()
	delete(e.attempts, connID)
	delete(e.attempts, otherID)
	e.mu.Unlock()

	e.send.SendTo(connID, wire.NewCallEnded(otherID))
	e.send.SendTo(otherID, wire.NewCallEnded(connID))

	e.metrics.Inc(metrics.CallEnded)
	return nil
}

// Drop discards the attempt owned by a disconnecting connection. Admins
// are not told the call vanished; they find out when an answer goes
// nowhere.
func (e *Engine) Drop(connID string) {
	e.mu.Lock()
	delete(e.attempts, connID)
	e.mu.Unlock()
}

// StatusOf reports the tracked attempt for an initiating connection, if
// any.
func (e *Engine) StatusOf(callerID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.attempts[callerID]
	if !ok {
		return 0, false
	}
	return a.status, true
}
