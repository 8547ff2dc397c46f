package approval

import (
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Store for gate tests. Its ResolveApproval is a
// state-conditioned write, matching the SQLite implementation's semantics.
type memStore struct {
	mu        sync.Mutex
	requests  map[string]*Request
	emergency EmergencyState
	failReads bool
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[string]*Request)}
}

func (m *memStore) CreateApproval(req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("duplicate request %s", req.ID)
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memStore) GetApproval(id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) ResolveApproval(id string, to Status, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	req.Status = to
	req.ResolvedAt = &resolvedAt
	return nil
}

func (m *memStore) ListApprovalsBySession(sessionID string) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, req := range m.requests {
		if req.SessionID == sessionID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) EmergencyState() (EmergencyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return EmergencyState{}, fmt.Errorf("store unavailable")
	}
	return m.emergency, nil
}

func (m *memStore) SetEmergency(active bool, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergency.Active == active {
		return false, nil
	}
	m.emergency = EmergencyState{Active: active, ActivatedBy: actor, ActivatedAt: at}
	return true, nil
}
