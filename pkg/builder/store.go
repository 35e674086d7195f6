package builder

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrRunNotFound is returned when a run id is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

type subscriber chan string

type runRecord struct {
	run         Run
	subscribers []subscriber
	logs        []string
}

// MemStore keeps run records in memory and supports log subscriptions.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*runRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*runRecord)}
}

func (s *MemStore) Create(run Run) Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &runRecord{run: run}
	s.items[run.ID] = rec
	return rec.run
}

func (s *MemStore) SetStatus(id string, status RunStatus, errMsg string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	now := time.Now().UTC()
	rec.run.Status = status
	rec.run.UpdatedAt = now
	if status.Finished() {
		rec.run.FinishedAt = now
	}
	rec.run.Error = errMsg
	return rec.run, nil
}

func (s *MemStore) SetSummary(id string, summary json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrRunNotFound
	}
	rec.run.Summary = summary
	return nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return
	}
	rec.logs = append(rec.logs, line)
	// sends never block, and holding the lock keeps CloseSubscribers out
	for _, sub := range rec.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

func (s *MemStore) Logs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil
	}
	return append([]string(nil), rec.logs...)
}

func (s *MemStore) Get(id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return rec.run, nil
}

func (s *MemStore) List() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Run, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.run)
	}
	return result
}

// Subscribe replays buffered log lines and then follows new ones until the
// run's subscribers are closed.
func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	ch := make(subscriber, len(rec.logs)+64)
	for _, line := range rec.logs {
		ch <- line
	}
	if rec.run.Status.Finished() {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
}
