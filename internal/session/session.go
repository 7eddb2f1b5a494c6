// Package session tracks connected client sessions and routes addressed
// signals to them. A session never caches authoritative state: a matching
// signal marks the relevant list stale and the refresh callback re-pulls it
// from the store.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/colldesk/internal/bus"
)

// RefreshFunc is invoked when a signal concerns this session. The session's
// transport (WS, SSE) forwards the signal so the client re-pulls the list
// named by the topic.
type RefreshFunc func(sig bus.Signal)

// Session is one connected client. A disconnect never releases the agent's
// claim; ownership outlives the connection and only lease expiry or an
// explicit release clears it.
type Session struct {
	ID      string
	AgentID string

	mu      sync.Mutex
	groupID string
	topics  map[string]struct{}
	refresh RefreshFunc
	cancel  context.CancelFunc
	done    chan struct{}
}

// GroupID returns the group this session currently addresses.
func (s *Session) GroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

// SetGroupID updates the session's group after a GROUP_CHANGING re-pull.
func (s *Session) SetGroupID(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupID = groupID
}

// SetTopics restricts delivery to the named topics. An empty list restores
// the default of all topics.
func (s *Session) SetTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(topics) == 0 {
		s.topics = nil
		return
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	s.topics = set
}

// concerns reports whether the signal addresses this session's agent or
// current group, within the session's topic subscription.
func (s *Session) concerns(sig bus.Signal) bool {
	s.mu.Lock()
	group := s.groupID
	topics := s.topics
	s.mu.Unlock()
	if topics != nil {
		if _, ok := topics[sig.Topic]; !ok {
			return false
		}
	}
	return sig.Concerns(s.AgentID, group)
}

// Registry owns the session set and the per-session signal pump.
type Registry struct {
	notifier *bus.Notifier
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(notifier *bus.Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for the agent and starts pumping signals from
// every topic to the refresh callback. The callback runs on the pump
// goroutine; transports must not block in it.
func (r *Registry) Register(ctx context.Context, agentID, groupID string, refresh RefreshFunc) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		groupID: groupID,
		refresh: refresh,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	sub := r.notifier.Subscribe("")

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go r.pump(ctx, s, sub)

	r.logger.Info("session registered", "session_id", s.ID, "agent_id", agentID, "group_id", groupID)
	return s
}

// Unregister stops the session's pump and removes it from the registry.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	<-s.done
	r.logger.Info("session unregistered", "session_id", s.ID, "agent_id", s.AgentID)
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session looks up a session by id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) pump(ctx context.Context, s *Session, sub *bus.Subscription) {
	defer close(s.done)
	defer r.notifier.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !s.concerns(sig) {
				continue
			}
			if sig.Topic == bus.TopicGroupChanging {
				// Group membership may have moved this very agent; the
				// transport re-pulls and calls SetGroupID with the result.
				r.logger.Debug("group change signal", "session_id", s.ID, "agent_id", s.AgentID)
			}
			s.refresh(sig)
		}
	}
}
