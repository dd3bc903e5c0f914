package cache

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)
}

func testResponse(body string) Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return Response{StatusCode: http.StatusOK, Header: header, Body: []byte(body)}
}

func newTestStore(limit int, policy Policy) *Store {
	return NewStore(StoreConfig{Limit: limit, Policy: policy})
}

func assertKeys(t *testing.T, s *Store, present []string, absent []string) {
	t.Helper()
	for _, key := range present {
		if _, ok := s.items[key]; !ok {
			t.Fatalf("Expected %s to be stored, store has %v", key, candidates{s}.Keys())
		}
	}
	for _, key := range absent {
		if _, ok := s.items[key]; ok {
			t.Fatalf("Expected %s to be evicted, store has %v", key, candidates{s}.Keys())
		}
	}
}

func TestGetMissOnEmptyStore(t *testing.T) {
	s := newTestStore(10, LRU)
	if _, _, ok := s.Get("missing"); ok {
		t.Fatal("Expected miss on empty store")
	}
	if stats := s.Stats(); stats.Misses != 1 {
		t.Fatalf("Misses is %d", stats.Misses)
	}
}

func TestGetReturnsStoredResponse(t *testing.T) {
	s := newTestStore(10, LRU)
	s.Put("key", testResponse("Hello world"), 10)

	res, left, ok := s.Get("key")
	if !ok {
		t.Fatal("Expected hit")
	}
	if string(res.Body) != "Hello world" || res.StatusCode != http.StatusOK {
		t.Fatalf("Got %d %s", res.StatusCode, res.Body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if left != 9 {
		t.Fatalf("Hits left is %d, expected 9", left)
	}
}

func TestEntryServedExactlyHitTTLTimes(t *testing.T) {
	for hitTTL := 1; hitTTL <= 10; hitTTL++ {
		s := newTestStore(10, LRU)
		s.Put("key", testResponse("body"), hitTTL)
		for i := 1; i <= hitTTL; i++ {
			res, left, ok := s.Get("key")
			if !ok {
				t.Fatalf("hitTTL %d: miss on get %d", hitTTL, i)
			}
			if string(res.Body) != "body" {
				t.Fatalf("hitTTL %d: body on get %d is %s", hitTTL, i, res.Body)
			}
			if left != hitTTL-i {
				t.Fatalf("hitTTL %d: hits left after get %d is %d", hitTTL, i, left)
			}
		}
		if s.Len() != 0 {
			t.Fatalf("hitTTL %d: entry still stored after last hit", hitTTL)
		}
		if _, _, ok := s.Get("key"); ok {
			t.Fatalf("hitTTL %d: hit after expiry", hitTTL)
		}
		if exp := s.Stats().Expirations; exp != 1 {
			t.Fatalf("hitTTL %d: expirations is %d", hitTTL, exp)
		}
	}
}

func TestUnlimitedHitTTLNeverExpires(t *testing.T) {
	s := newTestStore(10, LRU)
	s.Put("key", testResponse("body"), -1)
	for i := 0; i < 1000; i++ {
		_, left, ok := s.Get("key")
		if !ok {
			t.Fatalf("Miss on get %d", i)
		}
		if left != Unlimited {
			t.Fatalf("Hits left is %d", left)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len is %d", s.Len())
	}
}

func TestZeroLimitDisablesCaching(t *testing.T) {
	for _, policy := range []Policy{LRU, ClearAll, Unbounded} {
		s := newTestStore(0, policy)
		for i := 0; i < 5; i++ {
			s.Put(fmt.Sprintf("key%d", i), testResponse("body"), 10)
		}
		if s.Len() != 0 {
			t.Fatalf("%s: Len is %d with limit 0", policy.Name(), s.Len())
		}
		if !s.Disabled() {
			t.Fatalf("%s: store with limit 0 not disabled", policy.Name())
		}
	}
	if newTestStore(1, LRU).Disabled() {
		t.Fatal("Store with limit 1 disabled")
	}
}

func TestZeroHitTTLIsNotStored(t *testing.T) {
	s := newTestStore(10, LRU)
	s.Put("key", testResponse("body"), 0)
	if s.Len() != 0 {
		t.Fatalf("Len is %d", s.Len())
	}
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	s := newTestStore(2, LRU)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("b"), 10)
	s.Get("A")
	s.Put("C", testResponse("c"), 10)

	if s.Len() != 2 {
		t.Fatalf("Len is %d", s.Len())
	}
	assertKeys(t, s, []string{"A", "C"}, []string{"B"})
	if ev := s.Stats().Evictions; ev != 1 {
		t.Fatalf("Evictions is %d", ev)
	}
}

func TestLRUWithoutAccessEvictsOldestInsert(t *testing.T) {
	s := newTestStore(3, LRU)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("b"), 10)
	s.Put("C", testResponse("c"), 10)
	s.Put("D", testResponse("d"), 10)
	assertKeys(t, s, []string{"B", "C", "D"}, []string{"A"})
}

func TestClearAllEmptiesStoreBeforeInsert(t *testing.T) {
	s := newTestStore(2, ClearAll)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("b"), 10)
	s.Put("C", testResponse("c"), 10)

	if s.Len() != 1 {
		t.Fatalf("Len is %d", s.Len())
	}
	assertKeys(t, s, []string{"C"}, []string{"A", "B"})
	if ev := s.Stats().Evictions; ev != 2 {
		t.Fatalf("Evictions is %d", ev)
	}
}

func TestUnboundedNeverEvicts(t *testing.T) {
	s := newTestStore(2, Unbounded)
	for i := 0; i < 50; i++ {
		s.Put(fmt.Sprintf("key%d", i), testResponse("body"), 10)
	}
	if s.Len() != 50 {
		t.Fatalf("Len is %d", s.Len())
	}
	if ev := s.Stats().Evictions; ev != 0 {
		t.Fatalf("Evictions is %d", ev)
	}
}

func TestSizeNeverExceedsLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, policy := range []Policy{LRU, ClearAll} {
		for limit := 1; limit <= 8; limit++ {
			s := newTestStore(limit, policy)
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key%d", rng.Intn(20))
				if rng.Intn(3) == 0 {
					s.Get(key)
					continue
				}
				s.Put(key, testResponse(key), rng.Intn(5)+1)
				if s.Len() > limit {
					t.Fatalf("%s: Len %d exceeds limit %d after put", policy.Name(), s.Len(), limit)
				}
			}
		}
	}
}

func TestPutExistingKeyReplacesWithoutEviction(t *testing.T) {
	s := newTestStore(2, LRU)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("b"), 10)
	s.Put("A", testResponse("a2"), 3)

	assertKeys(t, s, []string{"A", "B"}, nil)
	if ev := s.Stats().Evictions; ev != 0 {
		t.Fatalf("Evictions is %d", ev)
	}
	res, left, _ := s.Get("A")
	if string(res.Body) != "a2" || left != 2 {
		t.Fatalf("Got %s with %d hits left", res.Body, left)
	}
}

func TestReturnedResponseIsACopy(t *testing.T) {
	s := newTestStore(10, LRU)
	original := testResponse("body")
	s.Put("key", original, -1)
	original.Body[0] = 'X'
	original.Header.Set("Content-Type", "changed")

	res, _, _ := s.Get("key")
	res.Body[0] = 'Y'
	res.Header.Set("X-Test", "1")

	again, _, _ := s.Get("key")
	if string(again.Body) != "body" {
		t.Fatalf("Stored body was modified: %s", again.Body)
	}
	if again.Header.Get("Content-Type") != "text/plain" || again.Header.Get("X-Test") != "" {
		t.Fatalf("Stored header was modified: %v", again.Header)
	}
}

func TestPurgeAndClear(t *testing.T) {
	s := newTestStore(10, LRU)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("b"), 10)
	s.Put("C", testResponse("c"), 10)

	if !s.Purge("A") {
		t.Fatal("Expected purge of A to succeed")
	}
	if s.Purge("A") {
		t.Fatal("Expected second purge of A to fail")
	}
	if n := s.Clear(); n != 2 {
		t.Fatalf("Cleared %d entries", n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len is %d", s.Len())
	}
}

func TestEntriesInRecencyOrder(t *testing.T) {
	s := newTestStore(10, LRU)
	s.Put("A", testResponse("a"), 10)
	s.Put("B", testResponse("bb"), -1)
	s.Get("A")

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("Got %d entries", len(entries))
	}
	if entries[0].Key != "A" || entries[0].RemainingHits != 9 {
		t.Fatalf("First entry is %+v", entries[0])
	}
	if entries[1].Key != "B" || entries[1].RemainingHits != Unlimited || entries[1].BodyBytes != 2 {
		t.Fatalf("Second entry is %+v", entries[1])
	}
	if entries[0].LastAccess <= entries[1].LastAccess {
		t.Fatalf("Recency markers out of order: %d <= %d", entries[0].LastAccess, entries[1].LastAccess)
	}
}

func TestSweep(t *testing.T) {
	fill := func(policy Policy) *Store {
		s := newTestStore(10, policy)
		s.Put("A", testResponse("a"), 10)
		s.Put("B", testResponse("b"), 10)
		s.Put("C", testResponse("c"), 10)
		s.Get("A")
		return s
	}

	s := fill(LRU)
	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("LRU sweep removed %d", removed)
	}
	assertKeys(t, s, []string{"A", "C"}, []string{"B"})

	s = fill(ClearAll)
	if removed := s.Sweep(); removed != 3 || s.Len() != 0 {
		t.Fatalf("ClearAll sweep removed %d, %d left", removed, s.Len())
	}

	s = fill(Unbounded)
	if removed := s.Sweep(); removed != 0 || s.Len() != 3 {
		t.Fatalf("Unbounded sweep removed %d, %d left", removed, s.Len())
	}
}

type countingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions int
	expiries  int
	size      int
}

func (o *countingObserver) Hit()      { o.mu.Lock(); o.hits++; o.mu.Unlock() }
func (o *countingObserver) Miss()     { o.mu.Lock(); o.misses++; o.mu.Unlock() }
func (o *countingObserver) Eviction() { o.mu.Lock(); o.evictions++; o.mu.Unlock() }
func (o *countingObserver) Expire()   { o.mu.Lock(); o.expiries++; o.mu.Unlock() }
func (o *countingObserver) Size(n int) {
	o.mu.Lock()
	o.size = n
	o.mu.Unlock()
}

func TestObserverIsNotified(t *testing.T) {
	obs := &countingObserver{}
	s := NewStore(StoreConfig{Limit: 1, Policy: LRU, Observer: obs})
	s.Put("A", testResponse("a"), 1)
	s.Put("B", testResponse("b"), 1)
	s.Get("A")
	s.Get("B")

	if obs.hits != 1 || obs.misses != 1 || obs.evictions != 1 || obs.expiries != 1 || obs.size != 0 {
		t.Fatalf("Observer saw hits=%d misses=%d evictions=%d expiries=%d size=%d",
			obs.hits, obs.misses, obs.evictions, obs.expiries, obs.size)
	}
}

func TestConcurrentAccessKeepsLimit(t *testing.T) {
	const limit = 8
	s := newTestStore(limit, LRU)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key%d", rng.Intn(32))
				if rng.Intn(2) == 0 {
					s.Put(key, testResponse(key), rng.Intn(3)+1)
				} else if res, _, ok := s.Get(key); ok && string(res.Body) != key {
					t.Errorf("Got body %s for %s", res.Body, key)
				}
			}
		}(g)
	}
	wg.Wait()
	if s.Len() > limit {
		t.Fatalf("Len %d exceeds limit %d", s.Len(), limit)
	}
}
