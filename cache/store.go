package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Observer is told about cache events, e.g. to export metrics.
// Methods are called with the store lock held and must not block.
type Observer interface {
	Hit()
	Miss()
	Eviction()
	Expire()
	Size(int)
}

// NoopObserver ignores all cache events.
type NoopObserver struct{}

func (NoopObserver) Hit()      {}
func (NoopObserver) Miss()     {}
func (NoopObserver) Eviction() {}
func (NoopObserver) Expire()   {}
func (NoopObserver) Size(int)  {}

type StoreConfig struct {
	// Maximum number of entries. Zero disables caching altogether.
	Limit int
	// Eviction policy applied when the store is full. Defaults to LRU.
	Policy Policy
	// Optional event observer.
	Observer Observer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Store is an in-memory, hit-counted response cache.
// All operations are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	limit    int
	policy   Policy
	observer Observer
	log      zerolog.Logger

	items map[string]*list.Element
	// recency holds *entry values, most recently accessed at the front.
	recency *list.List
	clock   uint64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Entries     int        `json:"entries"`
	Limit       int        `json:"limit"`
	Policy      PolicyName `json:"policy"`
	Hits        uint64     `json:"hits"`
	Misses      uint64     `json:"misses"`
	Evictions   uint64     `json:"evictions"`
	Expirations uint64     `json:"expirations"`
}

func NewStore(config StoreConfig) *Store {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.Policy == nil {
		config.Policy = LRU
	}
	if config.Observer == nil {
		config.Observer = NoopObserver{}
	}
	return &Store{
		limit:    config.Limit,
		policy:   config.Policy,
		observer: config.Observer,
		log:      logger.With().Str("component", "store").Logger(),
		items:    make(map[string]*list.Element),
		recency:  list.New(),
	}
}

// Get returns a copy of the response stored under key together with the
// number of hits the entry has left after this one (Unlimited if it never expires).
// Serving the last allowed hit removes the entry within the same call.
func (s *Store) Get(key string) (Response, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		s.observer.Miss()
		return Response{}, 0, false
	}
	e := elem.Value.(*entry)
	if !e.unlimited() && e.remainingHits <= 0 {
		// exhausted entries are removed on their last hit, so this is a leftover
		s.removeElement(elem)
		s.misses++
		s.observer.Miss()
		return Response{}, 0, false
	}

	res := e.response.Clone()
	s.touch(elem)
	last := e.consume()
	left := e.remainingHits
	if e.unlimited() {
		left = Unlimited
	}
	s.hits++
	s.observer.Hit()

	if last {
		s.removeElement(elem)
		s.expirations++
		s.observer.Expire()
		s.log.Trace().Str("key", key).Msg("Served last hit, entry expired")
	} else {
		s.log.Trace().Str("key", key).Int("hitsLeft", left).Msg("Cache hit")
	}
	return res, left, true
}

// Put stores a copy of res under key, allowed to be served hitTTL times.
// A negative hitTTL means unlimited hits.
// Put is a no-op when the store limit is zero. It reports whether res was stored.
func (s *Store) Put(key string, res Response, hitTTL int) bool {
	if s.limit == 0 {
		s.log.Trace().Str("key", key).Msg("Cache size limit is 0, not storing")
		return false
	}
	if hitTTL == 0 {
		s.log.Warn().Str("key", key).Msg("Refusing to store entry with zero hit TTL")
		return false
	}
	if hitTTL < 0 {
		hitTTL = Unlimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	now := time.Now()

	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry)
		e.response = res.Clone()
		e.remainingHits = hitTTL
		e.storedAt = now
		s.touch(elem)
		s.log.Trace().Str("key", key).Int("hitTTL", hitTTL).Msg("Replaced cache entry")
		return true
	}

	if s.policy.Bounded() && s.recency.Len() >= s.limit {
		s.log.Debug().Str("policy", string(s.policy.Name())).Int("size", s.recency.Len()).Msg("Cache size limit reached, making room")
		s.makeRoom()
	}

	e := &entry{
		key:           key,
		response:      res.Clone(),
		remainingHits: hitTTL,
		seq:           s.clock,
		storedAt:      now,
	}
	s.items[key] = s.recency.PushFront(e)
	s.observer.Size(s.recency.Len())
	s.log.Trace().Str("key", key).Int("hitTTL", hitTTL).Msg("Cache write")
	return true
}

// Sweep enforces the size limit and then applies the eviction policy once
// if the store is not empty. It returns the number of removed entries.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if s.policy.Bounded() && s.limit > 0 {
		for s.recency.Len() > s.limit {
			s.removeElement(s.recency.Back())
			s.evicted(1)
			removed++
		}
	}
	if s.recency.Len() > 0 {
		removed += s.evict(s.policy.MakeRoom(candidates{s}))
	}
	return removed
}

// Purge removes the entry for key, reporting whether it existed.
func (s *Store) Purge(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if ok {
		s.removeElement(elem)
	}
	return ok
}

// Clear removes all entries and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.recency.Len()
	s.items = make(map[string]*list.Element)
	s.recency.Init()
	s.observer.Size(0)
	return n
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}

func (s *Store) Policy() Policy {
	return s.policy
}

// Disabled reports whether the store never keeps anything (limit 0).
func (s *Store) Disabled() bool {
	return s.limit == 0
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:     s.recency.Len(),
		Limit:       s.limit,
		Policy:      s.policy.Name(),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

// Entries describes the stored entries, most recently accessed first.
func (s *Store) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]EntryInfo, 0, s.recency.Len())
	for elem := s.recency.Front(); elem != nil; elem = elem.Next() {
		infos = append(infos, elem.Value.(*entry).info())
	}
	return infos
}

func (s *Store) makeRoom() {
	s.evict(s.policy.MakeRoom(candidates{s}))
	// a policy that frees nothing must not push the store past its limit
	for s.recency.Len() >= s.limit && s.recency.Len() > 0 {
		s.log.Warn().Str("policy", string(s.policy.Name())).Msg("Policy did not make room, evicting oldest entry")
		s.removeElement(s.recency.Back())
		s.evicted(1)
	}
}

func (s *Store) evict(keys []string) int {
	n := 0
	for _, key := range keys {
		if elem, ok := s.items[key]; ok {
			s.removeElement(elem)
			n++
			s.log.Trace().Str("key", key).Msg("Evicted cache entry")
		}
	}
	s.evicted(n)
	return n
}

func (s *Store) evicted(n int) {
	for i := 0; i < n; i++ {
		s.evictions++
		s.observer.Eviction()
	}
}

func (s *Store) touch(elem *list.Element) {
	s.clock++
	elem.Value.(*entry).seq = s.clock
	s.recency.MoveToFront(elem)
}

func (s *Store) removeElement(elem *list.Element) {
	s.recency.Remove(elem)
	delete(s.items, elem.Value.(*entry).key)
	s.observer.Size(s.recency.Len())
}

// candidates exposes the locked store to a Policy.
type candidates struct {
	s *Store
}

func (c candidates) Len() int {
	return c.s.recency.Len()
}

func (c candidates) Oldest() (string, bool) {
	elem := c.s.recency.Back()
	if elem == nil {
		return "", false
	}
	return elem.Value.(*entry).key, true
}

func (c candidates) Keys() []string {
	keys := make([]string, 0, c.s.recency.Len())
	for elem := c.s.recency.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}
