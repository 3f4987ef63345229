// Package redisstore persists breaker state in Redis, mirroring the durable
// layout the engine's contract requires: one JSON record per (scope, kind)
// breaker plus a dedup marker per applied outcome id.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/riskrun/internal/breaker"
)

const (
	statePrefix   = "riskrun:breaker:"
	outcomePrefix = "riskrun:outcome:"

	// Dedup markers outlive any realistic redelivery window.
	outcomeTTL = 48 * time.Hour
)

// Store implements breaker.Store on Redis. All round trips run through a
// gobreaker so a flapping Redis fails fast instead of stalling the trade
// path; a tripped guard surfaces as a persistence error, and the registry
// treats persistence errors as fatal to the call.
type Store struct {
	client redis.Cmdable
	guard  *gobreaker.CircuitBreaker
}

var _ breaker.Store = (*Store)(nil)

// New wraps an existing Redis client.
func New(client redis.Cmdable) *Store {
	st := gobreaker.Settings{Name: "redis-breaker-store"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("guard", name).
			Str("from", from.String()).Str("to", to.String()).
			Msg("store guard state change")
	}
	return &Store{client: client, guard: gobreaker.NewCircuitBreaker(st)}
}

// Dial connects to Redis and pings it once so a dead backend is caught at
// startup, not on the first trade.
func Dial(ctx context.Context, addr string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping %s: %w", addr, err)
	}
	return New(client), nil
}

func (s *Store) execute(fn func() error) error {
	_, err := s.guard.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (s *Store) LoadAll(ctx context.Context) (map[string]breaker.State, error) {
	out := make(map[string]breaker.State)
	err := s.execute(func() error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, statePrefix+"*", 100).Result()
			if err != nil {
				return fmt.Errorf("scan breaker keys: %w", err)
			}
			for _, key := range keys {
				raw, err := s.client.Get(ctx, key).Result()
				if err == redis.Nil {
					continue // expired between scan and get
				}
				if err != nil {
					return fmt.Errorf("get %s: %w", key, err)
				}
				var st breaker.State
				if err := json.Unmarshal([]byte(raw), &st); err != nil {
					return fmt.Errorf("decode %s: %w", key, err)
				}
				out[strings.TrimPrefix(key, statePrefix)] = st
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, st breaker.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	return s.execute(func() error {
		return s.client.Set(ctx, statePrefix+stateKey(st), raw, 0).Err()
	})
}

// Apply persists the outcome's state batch and its dedup marker in a single
// MULTI/EXEC transaction: either the whole outcome lands or none of it does.
func (s *Store) Apply(ctx context.Context, outcomeID string, states []breaker.State) error {
	type entry struct {
		key string
		raw []byte
	}
	encoded := make([]entry, 0, len(states))
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode breaker state %s: %w", stateKey(st), err)
		}
		encoded = append(encoded, entry{key: statePrefix + stateKey(st), raw: raw})
	}
	return s.execute(func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range encoded {
				pipe.Set(ctx, e.key, e.raw, 0)
			}
			pipe.Set(ctx, outcomePrefix+outcomeID, "1", outcomeTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply outcome %s: %w", outcomeID, err)
		}
		return nil
	})
}

func (s *Store) Seen(ctx context.Context, outcomeID string) (bool, error) {
	var seen bool
	err := s.execute(func() error {
		n, err := s.client.Exists(ctx, outcomePrefix+outcomeID).Result()
		if err != nil {
			return fmt.Errorf("check outcome %s: %w", outcomeID, err)
		}
		seen = n > 0
		return nil
	})
	return seen, err
}

// stateKey rebuilds the registry's stable key from a persisted record.
func stateKey(st breaker.State) string {
	suffix := string(st.Kind)
	if st.Kind == breaker.BotDrawdown || st.Kind == breaker.PortfolioDrawdown {
		suffix = "drawdown"
	}
	return st.Scope + ":" + suffix
}
