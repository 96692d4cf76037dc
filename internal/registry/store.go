package registry

import (
	"hash/fnv"
	"sync"
)

const storeShards = 16

// Store abstracts the registry's backing storage so a durable backend can
// replace the in-memory one without touching callers. Implementations must
// be safe for concurrent use.
type Store interface {
	PutSession(s *Session)
	GetSession(id string) (*Session, bool)
	DeleteSession(id string)
	ForEachSession(fn func(*Session) bool)

	PutContext(c *Context)
	GetContext(id string) (*Context, bool)
	DeleteContext(id string)

	PutPage(p *Page)
	GetPage(id string) (*Page, bool)
	DeletePage(id string)

	Counts() (sessions, contexts, pages int)
}

// memStore is the in-memory Store, sharded by id hash to spread lock
// contention across concurrent callers.
type memStore struct {
	shards [storeShards]*storeShard
}

type storeShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	contexts map[string]*Context
	pages    map[string]*Page
}

// NewMemStore creates the default in-memory store.
func NewMemStore() Store {
	s := &memStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{
			sessions: make(map[string]*Session),
			contexts: make(map[string]*Context),
			pages:    make(map[string]*Page),
		}
	}
	return s
}

func (s *memStore) shardFor(id string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%storeShards]
}

func (s *memStore) PutSession(sess *Session) {
	sh := s.shardFor(sess.ID)
	sh.mu.Lock()
	sh.sessions[sess.ID] = sess
	sh.mu.Unlock()
}

func (s *memStore) GetSession(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return sess, ok
}

func (s *memStore) DeleteSession(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// ForEachSession visits sessions shard by shard in index order. The callback
// returning false stops the walk. Callers must not mutate the store from fn.
func (s *memStore) ForEachSession(fn func(*Session) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if !fn(sess) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

func (s *memStore) PutContext(c *Context) {
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	sh.contexts[c.ID] = c
	sh.mu.Unlock()
}

func (s *memStore) GetContext(id string) (*Context, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	c, ok := sh.contexts[id]
	sh.mu.RUnlock()
	return c, ok
}

func (s *memStore) DeleteContext(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.contexts, id)
	sh.mu.Unlock()
}

func (s *memStore) PutPage(p *Page) {
	sh := s.shardFor(p.ID)
	sh.mu.Lock()
	sh.pages[p.ID] = p
	sh.mu.Unlock()
}

func (s *memStore) GetPage(id string) (*Page, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	p, ok := sh.pages[id]
	sh.mu.RUnlock()
	return p, ok
}

func (s *memStore) DeletePage(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.pages, id)
	sh.mu.Unlock()
}

func (s *memStore) Counts() (sessions, contexts, pages int) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		sessions += len(sh.sessions)
		contexts += len(sh.contexts)
		pages += len(sh.pages)
		sh.mu.RUnlock()
	}
	return
}
