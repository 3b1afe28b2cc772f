package metrics

import "sync"

// Event counter names. Connection lifecycle and call signaling outcomes are
// the only cardinality this relay needs; anything richer belongs in an
// external metrics backend.
const (
	ConnectAdmin      = "connect_admin"
	ConnectClient     = "connect_client"
	ConnectRejected   = "connect_rejected"
	Disconnect        = "disconnect"
	CallInitiated     = "call_initiated"
	CallAnswered      = "call_answered"
	CallDeclined      = "call_declined"
	CallEnded         = "call_ended"
	NoAdminsOnline    = "no_admins_online"
	ProtocolViolation = "protocol_violation"
	StoreFailure      = "store_failure"
	RateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics is
// valid and behaves as an empty registry, so callers don't need to guard the
// "metrics not configured" case.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
