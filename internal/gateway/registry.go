package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Registry indexes identified connections three ways: by gateway session id,
// by user id, and by subscribed guild id. Each index is keyed atomically so
// connection churn on one key never blocks lookups on another; there is no
// registry-wide lock.
type Registry struct {
	bySession sync.Map // session id (string) -> *Client
	byUser    sync.Map // snowflake.ID -> *clientSet
	byGuild   sync.Map // snowflake.ID -> *clientSet
	size      atomic.Int64
}

// clientSet is a small mutable set of clients sharing one index key.
type clientSet struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func (s *clientSet) add(c *Client) {
	s.mu.Lock()
	s.clients[c.SessionID()] = c
	s.mu.Unlock()
}

// remove returns true when the set is empty afterwards.
func (s *clientSet) remove(sessionID string) bool {
	s.mu.Lock()
	delete(s.clients, sessionID)
	empty := len(s.clients) == 0
	s.mu.Unlock()
	return empty
}

// snapshot copies the members so callers can iterate without holding the set
// lock.
func (s *clientSet) snapshot() []*Client {
	s.mu.Lock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	s.mu.Unlock()
	return out
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add indexes an identified client under its session id and user id. Guild
// subscriptions are added separately via SubscribeGuild.
func (r *Registry) Add(c *Client) {
	r.bySession.Store(c.SessionID(), c)
	r.userSet(c.UserID()).add(c)
	r.size.Add(1)
}

// Remove drops the client from every index. It is a no-op for a session id
// that was never added or was already removed.
func (r *Registry) Remove(c *Client) {
	sessionID := c.SessionID()
	if _, loaded := r.bySession.LoadAndDelete(sessionID); !loaded {
		return
	}
	r.size.Add(-1)

	if set, ok := r.byUser.Load(c.UserID()); ok {
		if set.(*clientSet).remove(sessionID) {
			r.byUser.Delete(c.UserID())
		}
	}
	for _, guildID := range c.SubscribedGuilds() {
		r.unsubscribe(sessionID, guildID)
	}
}

// Get returns the client registered under the session id, or nil.
func (r *Registry) Get(sessionID string) *Client {
	c, ok := r.bySession.Load(sessionID)
	if !ok {
		return nil
	}
	return c.(*Client)
}

// SubscribeGuild adds the session to the guild index and records the guild on
// the client, so future guild-scoped events reach it.
func (r *Registry) SubscribeGuild(c *Client, guildID snowflake.ID) {
	c.addGuild(guildID)
	r.guildSet(guildID).add(c)
}

// UnsubscribeGuild removes the session from the guild index.
func (r *Registry) UnsubscribeGuild(c *Client, guildID snowflake.ID) {
	c.removeGuild(guildID)
	r.unsubscribe(c.SessionID(), guildID)
}

func (r *Registry) unsubscribe(sessionID string, guildID snowflake.ID) {
	if set, ok := r.byGuild.Load(guildID); ok {
		if set.(*clientSet).remove(sessionID) {
			r.byGuild.Delete(guildID)
		}
	}
}

// ForUser calls fn for every connection of the user.
func (r *Registry) ForUser(userID snowflake.ID, fn func(*Client)) {
	if set, ok := r.byUser.Load(userID); ok {
		for _, c := range set.(*clientSet).snapshot() {
			fn(c)
		}
	}
}

// ForGuild calls fn for every connection subscribed to the guild.
func (r *Registry) ForGuild(guildID snowflake.ID, fn func(*Client)) {
	if set, ok := r.byGuild.Load(guildID); ok {
		for _, c := range set.(*clientSet).snapshot() {
			fn(c)
		}
	}
}

// ForAll calls fn for every registered connection.
func (r *Registry) ForAll(fn func(*Client)) {
	r.bySession.Range(func(_, v any) bool {
		fn(v.(*Client))
		return true
	})
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.size.Load())
}

func (r *Registry) userSet(userID snowflake.ID) *clientSet {
	set, _ := r.byUser.LoadOrStore(userID, &clientSet{clients: make(map[string]*Client)})
	return set.(*clientSet)
}

func (r *Registry) guildSet(guildID snowflake.ID) *clientSet {
	set, _ := r.byGuild.LoadOrStore(guildID, &clientSet{clients: make(map[string]*Client)})
	return set.(*clientSet)
}
