package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// InMemoryStore is a process-local Store for transient deployments and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	actions map[string]models.PendingAction
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		seen:    make(map[string]time.Time),
		actions: make(map[string]models.PendingAction),
	}
}

func (s *InMemoryStore) HasSeen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok, nil
}

func (s *InMemoryStore) CommitSeen(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; !ok {
		s.seen[id] = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) GetSeen(_ context.Context, id string) (*models.SeenItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[id]
	if !ok {
		return nil, nil
	}
	return &models.SeenItem{ID: id, ProcessedAt: at}, nil
}

func (s *InMemoryStore) CountSeen(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

func (s *InMemoryStore) ResetSeen(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]time.Time)
	return nil
}

func (s *InMemoryStore) SaveGroup(_ context.Context, actions []models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		if _, exists := s.actions[a.ID]; exists {
			return models.NewStorageError("save group", fmt.Errorf("duplicate action id %s", a.ID))
		}
	}
	for _, a := range actions {
		s.actions[a.ID] = a
	}
	return nil
}

func (s *InMemoryStore) UpdateAction(_ context.Context, a models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.actions[a.ID]
	if !ok {
		return models.NewStorageError("update action", fmt.Errorf("action %s not found", a.ID))
	}
	cur.State = a.State
	cur.Attempt = a.Attempt
	cur.NotBefore = a.NotBefore
	cur.LastError = a.LastError
	cur.UpdatedAt = a.UpdatedAt
	s.actions[a.ID] = cur
	return nil
}

func (s *InMemoryStore) CancelGroup(_ context.Context, groupID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.actions {
		if a.GroupID == groupID && a.State == models.ActionStateQueued {
			a.State = models.ActionStateCancelled
			a.UpdatedAt = at
			s.actions[id] = a
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) LoadPending(_ context.Context) ([]models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make(map[string]bool)
	for _, a := range s.actions {
		if !a.State.IsTerminal() {
			open[a.GroupID] = true
		}
	}
	var out []models.PendingAction
	for _, a := range s.actions {
		if open[a.GroupID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) RequeueInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, a := range s.actions {
		if a.State == models.ActionStateInFlight {
			a.State = models.ActionStateQueued
			a.UpdatedAt = now
			s.actions[id] = a
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool)
	for _, a := range s.actions {
		if !a.State.IsTerminal() || !a.UpdatedAt.Before(before) {
			keep[a.GroupID] = true
		}
	}
	n := 0
	for id, a := range s.actions {
		if !keep[a.GroupID] {
			delete(s.actions, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
