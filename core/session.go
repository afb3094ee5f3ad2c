package orchestration

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-vpet/core/config"
)

// ToolResult is the outcome of one plugin or tool call made during a reply.
type ToolResult struct {
	ID       string
	Kind     string
	Name     string
	Args     string
	Response string
	Err      error
}

// Session scopes one agent reply. The first call to a rate-limit bucket in a
// session is checked against the cross-reply limiter; later calls to the
// same bucket in the same session are exempt.
type Session struct {
	ID string

	mu        sync.Mutex
	consulted map[string]bool
	results   []ToolResult
	closed    bool
}

func newSession() *Session {
	return &Session{ID: uuid.NewString(), consulted: make(map[string]bool)}
}

// allow reports whether a call to bucket may run. acquire is only consulted
// the first time a bucket is used within the session.
func (s *Session) allow(bucket string, acquire func() bool) bool {
	if s == nil {
		return acquire()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return acquire()
	}
	if s.consulted[bucket] {
		return true
	}
	if !acquire() {
		return false
	}
	s.consulted[bucket] = true
	return true
}

func (s *Session) addResult(result ToolResult) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

// close ends the session and returns the aggregated results. Only the first
// call returns them.
func (s *Session) close() ([]ToolResult, bool) {
	if s == nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.closed = true
	results := s.results
	s.results = nil
	return results, true
}

type replyContextKey struct{}

// replyScope is what a reply carries through its context.
type replyScope struct {
	session  *Session
	settings *config.Settings
}

func withReplyScope(ctx context.Context, scope replyScope) context.Context {
	return context.WithValue(ctx, replyContextKey{}, scope)
}

func replyScopeFromContext(ctx context.Context) (replyScope, bool) {
	scope, ok := ctx.Value(replyContextKey{}).(replyScope)
	return scope, ok
}

func sessionFromContext(ctx context.Context) *Session {
	scope, _ := replyScopeFromContext(ctx)
	return scope.session
}

func settingsFromContext(ctx context.Context, o *Orchestrator) config.Settings {
	if scope, ok := replyScopeFromContext(ctx); ok && scope.settings != nil {
		return *scope.settings
	}
	return o.Settings()
}

func replyIDFromContext(ctx context.Context) string {
	if session := sessionFromContext(ctx); session != nil {
		return session.ID
	}
	return ""
}
