package memory

import (
	"context"
	"slices"
	"sync"

	rebus "github.com/Mauricio-HNS/Rebus"
)

// SubscriptionStore keeps subscribers per message type in memory, in the
// order they subscribed. Share one instance between buses to simulate a
// centralized store.
type SubscriptionStore struct {
	mu     sync.RWMutex
	topics map[string][]string
}

var _ rebus.SubscriptionStore = (*SubscriptionStore)(nil)

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{topics: make(map[string][]string)}
}

func (s *SubscriptionStore) GetSubscriberAddresses(_ context.Context, messageType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.topics[messageType]), nil
}

func (s *SubscriptionStore) AddSubscriber(_ context.Context, messageType, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.topics[messageType], address) {
		s.topics[messageType] = append(s.topics[messageType], address)
	}
	return nil
}

func (s *SubscriptionStore) RemoveSubscriber(_ context.Context, messageType, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.topics[messageType]
	if i := slices.Index(subs, address); i >= 0 {
		s.topics[messageType] = slices.Delete(slices.Clone(subs), i, i+1)
	}
	return nil
}
