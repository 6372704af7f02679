package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/dispatch"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedEndpointStore is a decorator that adds read-aside caching to any
// EndpointStore. Fan-out reads the same group list for every event in that
// group, so a short TTL absorbs the burst without risking long staleness.
type CachedEndpointStore struct {
	realStore dispatch.EndpointStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedEndpointStore(realStore dispatch.EndpointStore, cache CacheClient, ttl time.Duration) *CachedEndpointStore {
	return &CachedEndpointStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- Read path (read-aside) ---

func (s *CachedEndpointStore) GroupEndpoints(ctx context.Context, groupID string) ([]notify.Endpoint, error) {
	return s.readAside(ctx, groupKey(groupID), func() ([]notify.Endpoint, error) {
		return s.realStore.GroupEndpoints(ctx, groupID)
	})
}

func (s *CachedEndpointStore) UserEndpoints(ctx context.Context, user urn.URN) ([]notify.Endpoint, error) {
	return s.readAside(ctx, userKey(user), func() ([]notify.Endpoint, error) {
		return s.realStore.UserEndpoints(ctx, user)
	})
}

func (s *CachedEndpointStore) readAside(ctx context.Context, key string, fetch func() ([]notify.Endpoint, error)) ([]notify.Endpoint, error) {
	var cached []notify.Endpoint
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := fetch()
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the source of truth.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- Write paths (invalidate-on-write) ---

func (s *CachedEndpointStore) RegisterFCM(ctx context.Context, user urn.URN, groupID string, token string) error {
	if err := s.realStore.RegisterFCM(ctx, user, groupID, token); err != nil {
		return err
	}
	return s.cache.Del(ctx, userKey(user), groupKey(groupID))
}

func (s *CachedEndpointStore) RegisterWeb(ctx context.Context, user urn.URN, groupID string, sub notification.WebPushSubscription) error {
	if err := s.realStore.RegisterWeb(ctx, user, groupID, sub); err != nil {
		return err
	}
	return s.cache.Del(ctx, userKey(user), groupKey(groupID))
}

// UnregisterFCM must clear the cache even though the DB write already
// succeeded, so that "disable notifications" takes effect immediately.
// The groups the token was registered under are looked up before the
// delete so their cached lists can be dropped too.
func (s *CachedEndpointStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	keys := s.affectedKeys(ctx, user, func(ep notify.Endpoint) bool {
		return ep.Token == token
	})
	if err := s.realStore.UnregisterFCM(ctx, user, token); err != nil {
		return err
	}
	return s.cache.Del(ctx, keys...)
}

func (s *CachedEndpointStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	keys := s.affectedKeys(ctx, user, func(ep notify.Endpoint) bool {
		return ep.Subscription != nil && ep.Subscription.Endpoint == endpoint
	})
	if err := s.realStore.UnregisterWeb(ctx, user, endpoint); err != nil {
		return err
	}
	return s.cache.Del(ctx, keys...)
}

// DeleteEndpoint invalidates the owner and the group the dead endpoint was
// dispatched under. Copies cached under other groups age out with the TTL.
func (s *CachedEndpointStore) DeleteEndpoint(ctx context.Context, ep notify.Endpoint) error {
	if err := s.realStore.DeleteEndpoint(ctx, ep); err != nil {
		return err
	}
	keys := []string{userKey(ep.Owner)}
	if ep.GroupID != "" {
		keys = append(keys, groupKey(ep.GroupID))
	}
	return s.cache.Del(ctx, keys...)
}

func (s *CachedEndpointStore) DeleteUserEndpoints(ctx context.Context, user urn.URN) error {
	keys := s.affectedKeys(ctx, user, func(notify.Endpoint) bool { return true })
	if err := s.realStore.DeleteUserEndpoints(ctx, user); err != nil {
		return err
	}
	return s.cache.Del(ctx, keys...)
}

// --- Helpers ---

// affectedKeys returns the user key plus the group keys of the user's
// registrations matching the predicate, read from the source store before
// the rows are deleted. If the lookup fails only the user key is dropped
// and the group copies age out with the TTL.
func (s *CachedEndpointStore) affectedKeys(ctx context.Context, user urn.URN, match func(notify.Endpoint) bool) []string {
	keys := []string{userKey(user)}
	endpoints, err := s.realStore.UserEndpoints(ctx, user)
	if err != nil {
		return keys
	}
	seen := map[string]bool{}
	for _, ep := range endpoints {
		if !match(ep) || ep.GroupID == "" || seen[ep.GroupID] {
			continue
		}
		seen[ep.GroupID] = true
		keys = append(keys, groupKey(ep.GroupID))
	}
	return keys
}

func groupKey(groupID string) string {
	return fmt.Sprintf("notify:endpoints:group:%s", groupID)
}

func userKey(user urn.URN) string {
	return fmt.Sprintf("notify:endpoints:user:%s", user.String())
}
