package ccrelay

import (
	"context"
	"sync"
)

// TokenSource resolves and caches the bearer token and project
// identifier used to authenticate a request on behalf of an account.
// OAuth acquisition itself is out of scope for this module; callers
// front their own OAuth layer and provide a TokenSource that wraps it.
type TokenSource interface {
	TokenFor(ctx context.Context, account *Account) (string, error)
	ProjectFor(ctx context.Context, account *Account, token string) (string, error)
	ClearTokenCache(email string)
	ClearProjectCache(email string)
}

// StaticTokenSource is a TokenSource that returns a fixed bearer token
// and project per account, useful for tests and for callers who
// resolve credentials entirely out of band.
type StaticTokenSource struct {
	mu       sync.RWMutex
	tokens   map[string]string
	projects map[string]string
}

var _ TokenSource = (*StaticTokenSource)(nil)

// NewStaticTokenSource creates a source with the given per-email
// bearer tokens. Projects default to "" unless set with SetProject.
func NewStaticTokenSource(tokens map[string]string) *StaticTokenSource {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticTokenSource{tokens: cp, projects: make(map[string]string)}
}

// SetProject installs the project identifier returned for email.
func (s *StaticTokenSource) SetProject(email, project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[email] = project
}

func (s *StaticTokenSource) TokenFor(_ context.Context, account *Account) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[account.Email], nil
}

func (s *StaticTokenSource) ProjectFor(_ context.Context, account *Account, _ string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projects[account.Email], nil
}

// ClearTokenCache is a no-op: a StaticTokenSource has nothing to
// invalidate, tokens are fixed for its lifetime.
func (s *StaticTokenSource) ClearTokenCache(email string) {}

// ClearProjectCache is a no-op for the same reason.
func (s *StaticTokenSource) ClearProjectCache(email string) {}
