package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/relaydev/relay/pkg/models"
)

// MemoryStore keeps sessions in process memory. It backs tests, the
// redis-less deployment mode, and the fallback path of RedisStore.
// A janitor goroutine evicts sessions idle past the TTL.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session

	ttl        time.Duration
	maxHistory int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-memory store. A non-positive ttl
// disables eviction.
func NewMemoryStore(ttl time.Duration, maxHistory int) *MemoryStore {
	s := &MemoryStore{
		sessions:   make(map[string]*models.Session),
		ttl:        ttl,
		maxHistory: maxHistory,
		stop:       make(chan struct{}),
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

func (s *MemoryStore) janitor() {
	interval := s.ttl / 10
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccessed) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now()
		sess = &models.Session{ID: id, CreatedAt: now, LastAccessed: now}
		s.sessions[id] = sess
	}
	sess.LastAccessed = time.Now()
	return cloneSession(sess), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) AddMessage(_ context.Context, id string, msg models.Message, usage models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now()
		sess = &models.Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	applyMessage(sess, msg, usage, s.maxHistory)
	sess.LastAccessed = time.Now()
	return nil
}

func (s *MemoryStore) UpdateContext(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now()
		sess = &models.Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	mergeContext(sess, fields)
	sess.LastAccessed = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Count: len(s.sessions), Backend: "memory"}, nil
}

func (s *MemoryStore) Healthy(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	dup := *s
	dup.History = append([]models.Message(nil), s.History...)
	if s.Context != nil {
		dup.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			dup.Context[k] = v
		}
	}
	dup.Metadata.ToolsUsed = append([]string(nil), s.Metadata.ToolsUsed...)
	return &dup
}
