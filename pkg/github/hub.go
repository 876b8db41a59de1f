package github

import (
	"context"
	"sync"
)

// Hub hands out per-repository clients. The remediator serves many
// repositories; the hub keeps one client per repository so callers pass a
// repository path instead of threading clients around.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Client
	newClient func(repository string) *Client
}

// NewHub creates a hub backed by real gh CLI clients.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		newClient: NewClient,
	}
}

// NewHubWithFactory creates a hub with a custom client factory, for tests.
func NewHubWithFactory(factory func(repository string) *Client) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		newClient: factory,
	}
}

// Client returns the client for a repository, creating it on first use.
func (h *Hub) Client(repository string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[repository]; ok {
		return c
	}
	c := h.newClient(repository)
	h.clients[repository] = c
	return c
}

// FailedJobLogs fetches failed-step logs for a run in the given repository.
func (h *Hub) FailedJobLogs(ctx context.Context, repository string, runID int64) (string, error) {
	return h.Client(repository).FailedJobLogs(ctx, runID)
}

// GetOrCreatePR opens or finds the PR for a branch in the given repository.
func (h *Hub) GetOrCreatePR(ctx context.Context, repository string, opts PRCreateOptions) (*PullRequest, error) {
	return h.Client(repository).GetOrCreatePR(ctx, opts)
}
