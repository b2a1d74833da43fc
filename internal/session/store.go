// Package session keeps one prediction view per client in memory.
package session

import (
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/style-predict/internal/attempt"
)

// Session is one client's view: its selected file and current attempt.
type Session struct {
	ID           string
	Orchestrator *attempt.Orchestrator
	CreatedAt    time.Time
}

// Factory builds the orchestrator for a new session.
type Factory func() *attempt.Orchestrator

// Store holds sessions until they sit idle for longer than the TTL.
type Store struct {
	sessions *ttlworker.Cache[string, *Session]
	factory  Factory
	logger   *zap.Logger
}

// NewStore creates a store whose sessions expire after ttl without access.
// A session leaving the store, by expiry or Delete, has its file removed and
// any attempt it still runs superseded.
func NewStore(ttl time.Duration, factory Factory, logger *zap.Logger) *Store {
	s := &Store{
		factory: factory,
		logger:  logger.Named("session_store"),
	}
	// evict runs under the cache lock and must not call back into it.
	evict := func(id string, sess *Session) {
		sess.Orchestrator.Remove()
		s.logger.Debug("session evicted", zap.String("session_id", id))
	}
	s.sessions = ttlworker.NewCacheOn(ttl, [4]func(string, *Session){nil, nil, evict, nil})
	return s
}

// Create registers a new session and warms the prediction service for it.
func (s *Store) Create() *Session {
	sess := &Session{
		ID:           uuid.NewString(),
		Orchestrator: s.factory(),
		CreatedAt:    time.Now().UTC(),
	}
	s.sessions.Set(sess.ID, sess)
	sess.Orchestrator.Warm()
	s.logger.Debug("session created", zap.String("session_id", sess.ID))
	return sess
}

// Get returns the session and refreshes its expiry.
func (s *Store) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	sess := s.sessions.Get(id)
	if sess == nil {
		return nil, false
	}
	return sess, true
}

// Delete drops the session.
func (s *Store) Delete(id string) {
	s.sessions.Delete(id)
}
