package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and early development.
// It enforces the same guards and invariants as the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	byID    map[string]Call
	history map[string][]StatusChange

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    map[string]Call{},
		history: map[string][]StatusChange{},
		Clock:   time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, c Call) (Call, error) {
	if err := InitialStatus(c.Status, len(c.Transcript) > 0); err != nil {
		return Call{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ExternalID != "" {
		for _, existing := range m.byID {
			if existing.Source == c.Source && existing.ExternalID == c.ExternalID {
				return Call{}, ErrDuplicateExternalID
			}
		}
	}

	now := m.Clock().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	m.byID[c.ID] = cloneCall(c)
	return c, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (m *MemoryStore) FindBySourceExternalID(ctx context.Context, source Source, externalID string) (Call, bool, error) {
	if externalID == "" {
		return Call{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.Source == source && c.ExternalID == externalID {
			return cloneCall(c), true, nil
		}
	}
	return Call{}, false, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (Call, error) {
	if err := ValidateUpdate(from, to, u); err != nil {
		return Call{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != from {
		return Call{}, ErrStaleStatus
	}

	now := m.Clock().UTC()
	c.Status = to
	c.ErrorMessage = u.ErrorMessage
	if to == StatusScoring {
		c.ErrorMessage = ""
	}
	c.OverallScore = u.OverallScore
	if len(u.Transcript) > 0 {
		c.Transcript = append([]TranscriptSegment(nil), u.Transcript...)
	}
	if u.AttributionConfidence != nil {
		c.AttributionConfidence = u.AttributionConfidence
	}
	c.UpdatedAt = now
	m.byID[id] = cloneCall(c)
	m.history[id] = append(m.history[id], StatusChange{
		ID: uuid.NewString(), CallID: id, From: from, To: to,
		Note: u.ErrorMessage, CreatedAt: now,
	})
	return c, nil
}

func (m *MemoryStore) SetErrorNote(ctx context.Context, id string, expect Status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != expect {
		return ErrStaleStatus
	}
	c.ErrorMessage = msg
	c.UpdatedAt = m.Clock().UTC()
	m.byID[id] = c
	return nil
}

func (m *MemoryStore) ApplySwap(ctx context.Context, id string, from Status, segs []TranscriptSegment) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != from {
		return Call{}, ErrStaleStatus
	}

	now := m.Clock().UTC()
	c.Status = StatusScoring
	c.Transcript = append([]TranscriptSegment(nil), segs...)
	c.OverallScore = nil
	c.ErrorMessage = ""
	c.UpdatedAt = now
	m.byID[id] = cloneCall(c)
	m.history[id] = append(m.history[id], StatusChange{
		ID: uuid.NewString(), CallID: id, From: from, To: StatusScoring,
		Note: "speakers swapped", CreatedAt: now,
	})
	return c, nil
}

func (m *MemoryStore) FindDedupCandidates(ctx context.Context, from, to time.Time, excludeSource Source) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.byID {
		if c.Source == excludeSource {
			continue
		}
		if c.CallDate.Before(from) || c.CallDate.After(to) {
			continue
		}
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallDate.Before(out[j].CallDate) })
	return out, nil
}

func (m *MemoryStore) ListRetryableFailures(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.byID {
		if c.Status == StatusError && len(c.Transcript) > 0 {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, callID string) ([]StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusChange(nil), m.history[callID]...), nil
}

func cloneCall(c Call) Call {
	out := c
	out.Transcript = append([]TranscriptSegment(nil), c.Transcript...)
	if c.OverallScore != nil {
		v := *c.OverallScore
		out.OverallScore = &v
	}
	if c.AttributionConfidence != nil {
		v := *c.AttributionConfidence
		out.AttributionConfidence = &v
	}
	return out
}
