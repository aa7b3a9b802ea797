package conversation

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxRecords bounds the in-process store.
const DefaultMaxRecords = 10000

// MemoryStore is an in-process cache with TTL and oldest-first eviction.
// Records are kept in save order, so eviction and expiry only look at the
// front of the list.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*list.Element
	order   *list.List // of Record, oldest save first
	ttl     time.Duration
	max     int
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration, max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &MemoryStore{
		records: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now().UTC()
	}
	m.mu.Lock()
	if el, ok := m.records[rec.ID]; ok {
		el.Value = rec
		m.order.MoveToBack(el)
	} else {
		m.records[rec.ID] = m.order.PushBack(rec)
	}
	m.evict()
	m.mu.Unlock()
	observe("memory", "save", nil)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	el, ok := m.records[id]
	var rec Record
	if ok {
		rec = el.Value.(Record)
		if m.expired(rec) {
			m.remove(el)
			ok = false
		}
	}
	m.mu.Unlock()
	if !ok {
		observe("memory", "get", ErrNotFound)
		return Record{}, ErrNotFound
	}
	observe("memory", "get", nil)
	return rec, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Len reports how many records are held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryStore) expired(rec Record) bool {
	return m.ttl > 0 && m.now().Sub(rec.Timestamp) > m.ttl
}

// evict drops expired records from the front, then the oldest ones while
// over capacity. Callers hold m.mu.
func (m *MemoryStore) evict() {
	for el := m.order.Front(); el != nil && m.expired(el.Value.(Record)); el = m.order.Front() {
		m.remove(el)
	}
	for m.order.Len() > m.max {
		m.remove(m.order.Front())
	}
}

func (m *MemoryStore) remove(el *list.Element) {
	delete(m.records, el.Value.(Record).ID)
	m.order.Remove(el)
}
