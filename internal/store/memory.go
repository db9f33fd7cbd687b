package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/threatfabric/internal/model"
)

// MemoryStore is an in-process implementation of Store, modeled on the
// map-plus-mutex pattern used throughout the exchange for single-pod
// state (trust scores, connection registries). It is the default backend
// and what the test suite runs against.
type MemoryStore struct {
	mu sync.RWMutex

	iocs    map[string]*model.IOC
	reports map[string]*model.IOCReport // key: iocID+"|"+clientID

	scores map[string]*model.TrustScore
	events []*model.TrustEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		iocs:    make(map[string]*model.IOC),
		reports: make(map[string]*model.IOCReport),
		scores:  make(map[string]*model.TrustScore),
	}
}

func reportKey(iocID, clientID string) string { return iocID + "|" + clientID }

func (m *MemoryStore) GetIOC(_ context.Context, id string) (*model.IOC, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ioc, ok := m.iocs[id]
	if !ok {
		return nil, false, nil
	}
	return ioc.Clone(), true, nil
}

func (m *MemoryStore) PutIOC(_ context.Context, ioc *model.IOC) error {
	if ioc == nil || ioc.ID == "" {
		return fmt.Errorf("ioc must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iocs[ioc.ID] = ioc.Clone()
	return nil
}

func (m *MemoryStore) ListIOCs(_ context.Context, f Filter) ([]*model.IOC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.IOC, 0, len(m.iocs))
	for _, ioc := range m.iocs {
		if f.Status != "" && ioc.Status != f.Status {
			continue
		}
		if f.Type != "" && ioc.Type != f.Type {
			continue
		}
		if f.ThreatLevel != "" && ioc.ThreatLevel != f.ThreatLevel {
			continue
		}
		if !f.Since.IsZero() && !ioc.LastSeen.After(f.Since) {
			continue
		}
		out = append(out, ioc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out, nil
}

func (m *MemoryStore) VerifiedSince(_ context.Context, cursor time.Time) ([]*model.IOC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.IOC, 0)
	for _, ioc := range m.iocs {
		if ioc.Status != model.StatusVerified || ioc.VerifiedAt == nil {
			continue
		}
		if !ioc.VerifiedAt.After(cursor) {
			continue
		}
		out = append(out, ioc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VerifiedAt.Before(*out[j].VerifiedAt) })
	return out, nil
}

func (m *MemoryStore) GetReport(_ context.Context, iocID, clientID string) (*model.IOCReport, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[reportKey(iocID, clientID)]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryStore) PutReport(_ context.Context, r *model.IOCReport) error {
	if r == nil || r.IOCID == "" || r.ClientID == "" {
		return fmt.Errorf("report must have ioc_id and client_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports[reportKey(r.IOCID, r.ClientID)] = &cp
	return nil
}

func (m *MemoryStore) ReportersFor(_ context.Context, iocID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, r := range m.reports {
		if r.IOCID == iocID {
			out = append(out, r.ClientID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GetTrustScore(_ context.Context, clientID string) (*model.TrustScore, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[clientID]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) PutTrustScore(_ context.Context, s *model.TrustScore) error {
	if s == nil || s.ClientID == "" {
		return fmt.Errorf("trust score must have a client_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.ClientID] = s.Clone()
	return nil
}

func (m *MemoryStore) AppendTrustEvent(_ context.Context, e *model.TrustEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) SnapshotTrustScores(_ context.Context) (map[string]*model.TrustScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*model.TrustScore, len(m.scores))
	for k, v := range m.scores {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
