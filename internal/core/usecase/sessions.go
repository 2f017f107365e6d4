package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

const defaultSessionTTL = 30 * time.Minute

// SessionRegistry owns the per-chat SearchContext values. Access is
// serialized by the registry mutex; the per-chat isProcessing flag
// enforces one in-flight handler per chat while letting chats proceed
// concurrently.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*domain.SearchContext
	ttl      time.Duration
}

func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionRegistry{
		sessions: make(map[string]*domain.SearchContext),
		ttl:      ttl,
	}
}

// Acquire returns the chat's context, creating or reviving it, and marks
// it processing. A chat already processing gets ErrBusy and no state
// change. The caller must Release on every exit path.
func (r *SessionRegistry) Acquire(chatID string, user domain.UserRef, cancel context.CancelFunc) (*domain.SearchContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	sess, ok := r.sessions[chatID]
	if !ok {
		sess = domain.NewSearchContext(chatID, user)
		r.sessions[chatID] = sess
	}
	if sess.IsProcessing {
		return nil, domain.ErrBusy
	}
	sess.IsProcessing = true
	sess.Cancel = cancel
	sess.LastActivity = time.Now()
	if user.ID != "" {
		sess.User = user
	}
	return sess, nil
}

// Release clears the single-flight flag. Safe to call on any exit,
// including cancellation and error paths.
func (r *SessionRegistry) Release(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[chatID]; ok {
		sess.IsProcessing = false
		sess.Cancel = nil
	}
}

// CancelInFlight aborts the chat's running search, if any.
func (r *SessionRegistry) CancelInFlight(chatID string) {
	r.mu.Lock()
	cancel := context.CancelFunc(nil)
	if sess, ok := r.sessions[chatID]; ok && sess.Cancel != nil {
		cancel = sess.Cancel
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Peek returns the session without acquiring it (read-only callbacks).
func (r *SessionRegistry) Peek(chatID string) (*domain.SearchContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[chatID]
	return sess, ok
}

// Drop removes the chat's context entirely (explicit end-dialog).
func (r *SessionRegistry) Drop(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatID)
}

// sweepLocked lazily evicts idle sessions past the TTL; never evicts a
// session with a handler in flight.
func (r *SessionRegistry) sweepLocked() {
	deadline := time.Now().Add(-r.ttl)
	for id, sess := range r.sessions {
		if !sess.IsProcessing && sess.LastActivity.Before(deadline) {
			delete(r.sessions, id)
		}
	}
}
