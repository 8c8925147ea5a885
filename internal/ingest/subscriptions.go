package ingest

import (
	"sort"
	"sync"
)

// subscriptionSet is the live set of channels, keyed by wire form. It is the
// replay source after a reconnect: whatever is in the set gets re-issued
// before readers resume.
type subscriptionSet struct {
	mu       sync.Mutex
	channels map[string]Channel
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{channels: make(map[string]Channel)}
}

// add inserts channels and returns only the ones not already present.
func (s *subscriptionSet) add(channels []Channel) []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		key := ch.Wire()
		if _, ok := s.channels[key]; ok {
			continue
		}
		s.channels[key] = ch
		fresh = append(fresh, ch)
	}
	return fresh
}

// remove deletes channels and returns only the ones that were present.
func (s *subscriptionSet) remove(channels []Channel) []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		key := ch.Wire()
		if _, ok := s.channels[key]; !ok {
			continue
		}
		delete(s.channels, key)
		existing = append(existing, ch)
	}
	return existing
}

// snapshot returns the live channels in deterministic order.
func (s *subscriptionSet) snapshot() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wire() < out[j].Wire() })
	return out
}

func (s *subscriptionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
