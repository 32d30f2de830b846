package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/migadu/soracal/consts"
)

// MemoryProvider keeps events in process memory, keyed by account.
type MemoryProvider struct {
	id     string
	mu     sync.RWMutex
	nextID int64
	data   map[int64]map[string]*Series
}

func NewMemoryProvider(id string) *MemoryProvider {
	return &MemoryProvider{id: id, data: make(map[int64]map[string]*Series)}
}

func (m *MemoryProvider) ID() string { return m.id }

func (m *MemoryProvider) Get(_ context.Context, p Principal, uid string) (*Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.data[p.AccountID][uid]
	if !ok {
		return nil, consts.ErrEventNotFound
	}
	out := &Series{Master: s.Master.Clone()}
	for _, ex := range s.Exceptions {
		out.Exceptions = append(out.Exceptions, ex.Clone())
	}
	return out, nil
}

func (m *MemoryProvider) Range(_ context.Context, p Principal, from, to time.Time) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, s := range m.data[p.AccountID] {
		for _, ev := range s.All() {
			if Overlaps(ev, from, to) {
				out = append(out, ev.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *MemoryProvider) Save(_ context.Context, p Principal, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.data[p.AccountID]
	if !ok {
		acct = make(map[string]*Series)
		m.data[p.AccountID] = acct
	}
	s, ok := acct[ev.UID]
	if !ok {
		s = &Series{}
		acct[ev.UID] = s
	}

	ev.Provider = m.id
	if ev.ID == 0 {
		m.nextID++
		ev.ID = m.nextID
	}
	stored := ev.Clone()

	if !ev.IsException() {
		s.Master = stored
		return nil
	}
	for i, ex := range s.Exceptions {
		if ex.RecurrenceID.Equal(ev.RecurrenceID) {
			s.Exceptions[i] = stored
			return nil
		}
	}
	s.Exceptions = append(s.Exceptions, stored)
	return nil
}

func (m *MemoryProvider) Delete(_ context.Context, p Principal, uid string, recurrenceID time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.data[p.AccountID][uid]
	if !ok {
		return consts.ErrEventNotFound
	}
	if recurrenceID.IsZero() {
		delete(m.data[p.AccountID], uid)
		return nil
	}
	for i, ex := range s.Exceptions {
		if ex.RecurrenceID.Equal(recurrenceID) {
			s.Exceptions = append(s.Exceptions[:i], s.Exceptions[i+1:]...)
			if s.Master == nil && len(s.Exceptions) == 0 {
				delete(m.data[p.AccountID], uid)
			}
			return nil
		}
	}
	return consts.ErrEventNotFound
}
