package cache

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownPolicy = errors.New("unknown eviction policy")

// PolicyName is the configuration name of an eviction policy.
type PolicyName string

const (
	PolicyNone   PolicyName = "none"
	PolicyEntire PolicyName = "entire"
	PolicyLRU    PolicyName = "lru"
)

// Candidates is the view of the store a policy gets when it has to make room.
// It is only valid for the duration of a MakeRoom call.
type Candidates interface {
	// Len returns the number of stored entries.
	Len() int
	// Oldest returns the key of the least recently accessed entry.
	Oldest() (string, bool)
	// Keys returns all stored keys, most recently accessed first.
	Keys() []string
}

// Policy decides what to remove when the store is full.
// The store calls MakeRoom with its lock held and removes the returned keys.
type Policy interface {
	Name() PolicyName
	// Bounded reports whether the store should enforce its size limit at all.
	Bounded() bool
	// MakeRoom returns the keys to evict.
	MakeRoom(c Candidates) []string
}

type unbounded struct{}

func (unbounded) Name() PolicyName             { return PolicyNone }
func (unbounded) Bounded() bool                { return false }
func (unbounded) MakeRoom(Candidates) []string { return nil }

type clearAll struct{}

func (clearAll) Name() PolicyName { return PolicyEntire }
func (clearAll) Bounded() bool    { return true }
func (clearAll) MakeRoom(c Candidates) []string {
	return c.Keys()
}

type lru struct{}

func (lru) Name() PolicyName { return PolicyLRU }
func (lru) Bounded() bool    { return true }
func (lru) MakeRoom(c Candidates) []string {
	if key, ok := c.Oldest(); ok {
		return []string{key}
	}
	return nil
}

var (
	// Unbounded never evicts; the store grows without limit.
	Unbounded Policy = unbounded{}
	// ClearAll empties the whole store to make room for a new entry.
	ClearAll Policy = clearAll{}
	// LRU evicts the single least recently accessed entry.
	LRU Policy = lru{}
)

// ParsePolicy returns the policy configured by name.
func ParsePolicy(name string) (Policy, error) {
	switch PolicyName(strings.ToLower(strings.TrimSpace(name))) {
	case PolicyNone:
		return Unbounded, nil
	case PolicyEntire:
		return ClearAll, nil
	case PolicyLRU:
		return LRU, nil
	}
	return nil, fmt.Errorf("%w: %q (use entire, lru or none)", ErrUnknownPolicy, name)
}
