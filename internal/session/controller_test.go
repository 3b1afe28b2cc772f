package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/presence"
	"github.com/relaykit/callrelay/internal/registry"
	"github.com/relaykit/callrelay/internal/wire"
)

type fakeHub struct {
	mu     sync.Mutex
	sends  []sentEvent
	groups map[string]map[string]bool
}

type sentEvent struct {
	target string // conn id or "*" for broadcasts
	event  wire.Event
}

func newFakeHub() *fakeHub {
	return &fakeHub{groups: make(map[string]map[string]bool)}
}

func (h *fakeHub) SendTo(connID string, v any) { h.record(connID, v) }
func (h *fakeHub) SendToAll(v any)             { h.record("*", v) }

func (h *fakeHub) AddToGroup(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][connID] = true
}

func (h *fakeHub) RemoveFromGroup(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups[group], connID)
}

func (h *fakeHub) record(target string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, sentEvent{target: target, event: v.(wire.Event)})
}

func (h *fakeHub) inGroup(group, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.groups[group][connID]
}

func (h *fakeHub) to(target string) []wire.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []wire.Event
	for _, s := range h.sends {
		if s.target == target {
			out = append(out, s.event)
		}
	}
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	h.sends = nil
	h.mu.Unlock()
}

type fakeCallTable struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeCallTable) Drop(connID string) {
	f.mu.Lock()
	f.dropped = append(f.dropped, connID)
	f.mu.Unlock()
}

func testController(t *testing.T) (*Controller, *registry.Registry, *fakeHub, *fakeCallTable) {
	t.Helper()

	reg := registry.New(presence.NewMemoryStore())
	h := newFakeHub()
	calls := &fakeCallTable{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(reg, h, calls, metrics.New(), log), reg, h, calls
}

func TestController_ConnectAdmin(t *testing.T) {
	c, reg, h, _ := testController(t)
	ctx := context.Background()

	// A client is already online so the admin gets a non-empty list.
	if err := c.Connect(ctx, "conn-client", "client", "alice"); err != nil {
		t.Fatalf("connect client: %v", err)
	}
	h.reset()

	if err := c.Connect(ctx, "conn-admin", "admin", "op-1"); err != nil {
		t.Fatalf("connect admin: %v", err)
	}

	if !h.inGroup(hub.GroupAdmins, "conn-admin") {
		t.Fatalf("admin not in admins group")
	}
	got := h.to("conn-admin")
	if len(got) != 1 || got[0].Event != wire.EventActiveUsersUpdate {
		t.Fatalf("admin events = %+v, want one ActiveUsersUpdated", got)
	}
	if len(got[0].Users) != 1 || got[0].Users[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", got[0].Users)
	}
	if role, err := reg.RoleOf(ctx, "conn-admin"); err != nil || role != presence.RoleAdmin {
		t.Fatalf("role = %v, %v", role, err)
	}
}

func TestController_ConnectClientBroadcastsPresence(t *testing.T) {
	c, _, h, _ := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-1", "client", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(ctx, "conn-2", "client", "bob"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	broadcasts := h.to("*")
	if len(broadcasts) != 2 {
		t.Fatalf("broadcasts = %+v, want 2", broadcasts)
	}
	last := broadcasts[1]
	if last.Event != wire.EventUpdateActiveUsers {
		t.Fatalf("event = %q", last.Event)
	}
	users := append([]string(nil), last.Users...)
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("users = %v, want [alice bob]", users)
	}
}

func TestController_ConnectRejectsBadRoles(t *testing.T) {
	c, reg, h, _ := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-1", "", "alice"); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("err = %v, want ErrMissingRole", err)
	}
	if err := c.Connect(ctx, "conn-1", "superuser", "alice"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}

	if _, err := reg.RoleOf(ctx, "conn-1"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("rejected connection must leave no registration, got %v", err)
	}
	if got := h.to("*"); len(got) != 0 {
		t.Fatalf("rejected connection must not broadcast, got %+v", got)
	}
}

func TestController_ConnectTwiceFails(t *testing.T) {
	c, _, _, _ := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-1", "client", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := c.Connect(ctx, "conn-1", "admin", "alice")
	if !errors.Is(err, registry.ErrDuplicateRegistration) {
		t.Fatalf("err = %v, want ErrDuplicateRegistration", err)
	}
}

func TestController_DisconnectAdmin(t *testing.T) {
	c, reg, h, calls := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-admin", "admin", "op-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.reset()

	c.Disconnect(ctx, "conn-admin")

	if h.inGroup(hub.GroupAdmins, "conn-admin") {
		t.Fatalf("admin still in group after disconnect")
	}
	if _, err := reg.RoleOf(ctx, "conn-admin"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected deregistration, got %v", err)
	}
	// Admin departures do not trigger presence broadcasts.
	if got := h.to("*"); len(got) != 0 {
		t.Fatalf("unexpected broadcasts %+v", got)
	}
	if len(calls.dropped) != 1 || calls.dropped[0] != "conn-admin" {
		t.Fatalf("dropped = %v", calls.dropped)
	}
}

func TestController_DisconnectClientBroadcasts(t *testing.T) {
	c, _, h, _ := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-1", "client", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.reset()

	c.Disconnect(ctx, "conn-1")

	broadcasts := h.to("*")
	if len(broadcasts) != 1 || broadcasts[0].Event != wire.EventUpdateActiveUsers {
		t.Fatalf("broadcasts = %+v", broadcasts)
	}
	if len(broadcasts[0].Users) != 0 {
		t.Fatalf("users = %v, want empty", broadcasts[0].Users)
	}
}

func TestController_DisconnectUnknownConn(t *testing.T) {
	c, _, h, calls := testController(t)
	ctx := context.Background()

	// Never-registered connections (e.g. rejected at connect) still get
	// call-table cleanup but no presence mutation or broadcast.
	c.Disconnect(ctx, "never-seen")

	if got := h.to("*"); len(got) != 0 {
		t.Fatalf("unexpected broadcasts %+v", got)
	}
	if len(calls.dropped) != 1 || calls.dropped[0] != "never-seen" {
		t.Fatalf("dropped = %v", calls.dropped)
	}
}

func TestController_DisconnectTwiceIsIdempotent(t *testing.T) {
	c, _, _, calls := testController(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "conn-1", "client", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect(ctx, "conn-1")
	c.Disconnect(ctx, "conn-1")

	if len(calls.dropped) != 2 {
		t.Fatalf("dropped = %v", calls.dropped)
	}
}
