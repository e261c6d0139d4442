package redisstream

import (
	"context"
	"fmt"
	"slices"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/redis/go-redis/v9"
)

// SubscriptionStore keeps one Redis set of subscriber addresses per message
// type, so every bus pointing at the same Redis sees the same subscribers.
type SubscriptionStore struct {
	client redis.Cmdable
	prefix string
}

var _ rebus.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore stores sets under prefix (DefaultSubscriptionPrefix when empty).
func NewSubscriptionStore(client redis.Cmdable, prefix string) *SubscriptionStore {
	if prefix == "" {
		prefix = DefaultSubscriptionPrefix
	}
	return &SubscriptionStore{client: client, prefix: prefix}
}

func (s *SubscriptionStore) key(messageType string) string { return s.prefix + messageType }

// GetSubscriberAddresses returns the subscribers sorted, since Redis sets are unordered.
func (s *SubscriptionStore) GetSubscriberAddresses(ctx context.Context, messageType string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(messageType)).Result()
	if err != nil {
		return nil, fmt.Errorf("rebus/redisstream: subscribers of %s: %w", messageType, err)
	}
	slices.Sort(members)
	return members, nil
}

func (s *SubscriptionStore) AddSubscriber(ctx context.Context, messageType, address string) error {
	return s.client.SAdd(ctx, s.key(messageType), address).Err()
}

func (s *SubscriptionStore) RemoveSubscriber(ctx context.Context, messageType, address string) error {
	return s.client.SRem(ctx, s.key(messageType), address).Err()
}
