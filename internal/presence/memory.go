package presence

import (
	"context"
	"sync"
)

type record struct {
	role   Role
	userID string
}

// MemoryStore is the in-process presence store used by tests and the
// `memory` backend. All methods are safe for concurrent use; connect and
// disconnect storms hit this map from many goroutines at once.
//
// Unlike RedisStore, member sets are reference-counted per (role, userID),
// so a user id stays listed until its last connection deregisters.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]record
	// members[role][userID] is the number of live connections carrying
	// that pair.
	members map[Role]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns: make(map[string]record),
		members: map[Role]map[string]int{
			RoleAdmin:  {},
			RoleClient: {},
		},
	}
}

func (s *MemoryStore) Put(ctx context.Context, connID string, role Role, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.conns[connID]; ok {
		s.dropMemberLocked(old.role, old.userID)
	}
	s.conns[connID] = record{role: role, userID: userID}
	s.members[role][userID]++
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connID]
	if !ok {
		return nil
	}
	delete(s.conns, connID)
	s.dropMemberLocked(rec.role, rec.userID)
	return nil
}

func (s *MemoryStore) dropMemberLocked(role Role, userID string) {
	set := s.members[role]
	if set[userID] <= 1 {
		delete(set, userID)
		return
	}
	set[userID]--
}

func (s *MemoryStore) RoleOf(ctx context.Context, connID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.role, nil
}

func (s *MemoryStore) UserIDOf(ctx context.Context, connID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.userID, nil
}

func (s *MemoryStore) Members(ctx context.Context, role Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.members[role]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns = make(map[string]record)
	s.members = map[Role]map[string]int{
		RoleAdmin:  {},
		RoleClient: {},
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
