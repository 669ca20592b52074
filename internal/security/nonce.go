package security

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const nonceShards = 16

// nonceStore remembers nonces per sender for the replay window. Capacity is
// bounded per sender; entries expire after the window.
type nonceStore struct {
	shards   [nonceShards]nonceShard
	perAgent int
	ttl      time.Duration
}

type nonceShard struct {
	mu      sync.Mutex
	senders map[string]*expirable.LRU[string, struct{}]
}

func newNonceStore(perAgent int, ttl time.Duration) *nonceStore {
	if perAgent <= 0 {
		perAgent = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &nonceStore{perAgent: perAgent, ttl: ttl}
	for i := range s.shards {
		s.shards[i].senders = make(map[string]*expirable.LRU[string, struct{}])
	}
	return s
}

func (s *nonceStore) shard(sender string) *nonceShard {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return &s.shards[h.Sum32()%nonceShards]
}

// checkAndStore records nonce for sender. It returns false when the nonce was
// already seen inside the window. Check and insert happen under one lock.
func (s *nonceStore) checkAndStore(sender, nonce string) bool {
	sh := s.shard(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cache, ok := sh.senders[sender]
	if !ok {
		cache = expirable.NewLRU[string, struct{}](s.perAgent, nil, s.ttl)
		sh.senders[sender] = cache
	}
	if cache.Contains(nonce) {
		return false
	}
	cache.Add(nonce, struct{}{})
	return true
}

// forget drops every nonce remembered for sender.
func (s *nonceStore) forget(sender string) {
	sh := s.shard(sender)
	sh.mu.Lock()
	delete(sh.senders, sender)
	sh.mu.Unlock()
}

// seen reports whether nonce is remembered for sender without recording it.
func (s *nonceStore) seen(sender, nonce string) bool {
	sh := s.shard(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cache, ok := sh.senders[sender]
	return ok && cache.Contains(nonce)
}
