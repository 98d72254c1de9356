package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/divinealgo/backoffice/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for plan and user lookups, the hot reads of a distribution run.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary. Ledger, referral and PnL
// operations are never cached and pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cache(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.CreatePlan(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, planKey(p.ID), p)
	return nil
}

func (s *CachedStore) UpdatePlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.UpdatePlan(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, planKey(p.ID))
	return nil
}

func (s *CachedStore) DeletePlan(ctx context.Context, id string) error {
	if err := s.Store.DeletePlan(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, planKey(id))
	return nil
}

func (s *CachedStore) SubscribeUser(ctx context.Context, userID, planID string) error {
	if err := s.Store.SubscribeUser(ctx, userID, planID); err != nil {
		return err
	}
	s.rdb.Set(ctx, userPlanKey(userID), planID, s.ttl)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	got, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	if s.lookup(ctx, planKey(id), &p) {
		return &p, nil
	}

	got, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, planKey(id), got)
	return got, nil
}

func (s *CachedStore) ActivePlanForUser(ctx context.Context, userID string) (*model.Plan, error) {
	// Try cache via user→planID mapping, so plan edits are seen through
	// the plan key alone.
	planID, err := s.rdb.Get(ctx, userPlanKey(userID)).Result()
	if err == nil {
		return s.GetPlan(ctx, planID)
	}

	p, err := s.Store.ActivePlanForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, planKey(p.ID), p)
	s.rdb.Set(ctx, userPlanKey(userID), p.ID, s.ttl)
	return p, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string      { return fmt.Sprintf("user:%s", id) }
func planKey(id string) string      { return fmt.Sprintf("plan:%s", id) }
func userPlanKey(uid string) string { return fmt.Sprintf("userplan:%s", uid) }
