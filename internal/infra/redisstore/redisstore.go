// Package redisstore shares the daily binary cap counters and the claim
// locks across API workers through Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/tutu-network/fieldnet/internal/domain"
)

var (
	_ domain.CapStore = (*Store)(nil)
	_ domain.Locker   = (*Store)(nil)
)

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key namespace, default "fieldnet"
	CapTTL   time.Duration // lifetime of a day's cap counter, default 48h
	LockTTL  time.Duration // lease of a held lock, default 30s
	LockPoll time.Duration // retry interval while waiting for a lock, default 25ms
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "fieldnet"
	}
	if o.CapTTL <= 0 {
		o.CapTTL = 48 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockPoll <= 0 {
		o.LockPoll = 25 * time.Millisecond
	}
}

// Store implements domain.CapStore and domain.Locker.
type Store struct {
	client *redis.Client
	opts   Options
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	opts.defaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Store{client: client, opts: opts}, nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Store {
	opts.defaults()
	return &Store{client: client, opts: opts}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ─── Binary Cap ─────────────────────────────────────────────────────────────

// reserveScript grants min(amount, limit - used), adds it to the counter
// and remembers the grant under the reservation key, in one server-side
// step. A known reservation key returns its first grant.
var reserveScript = redis.NewScript(`
local prior = redis.call('HGET', KEYS[2], ARGV[4])
if prior then return tonumber(prior) end
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local grant = limit - used
if amount < grant then grant = amount end
if grant < 0 then grant = 0 end
if grant > 0 then
	redis.call('INCRBY', KEYS[1], grant)
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
redis.call('HSET', KEYS[2], ARGV[4], grant)
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return grant
`)

func (s *Store) capKey(beneficiaryID, day string) string {
	return s.opts.Prefix + ":bincap:" + day + ":" + beneficiaryID
}

func (s *Store) grantsKey(beneficiaryID, day string) string {
	return s.opts.Prefix + ":bingrants:" + day + ":" + beneficiaryID
}

// ReserveBinary implements domain.CapStore.
func (s *Store) ReserveBinary(ctx context.Context, key, beneficiaryID, day string, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	granted, err := reserveScript.Run(ctx, s.client,
		[]string{s.capKey(beneficiaryID, day), s.grantsKey(beneficiaryID, day)},
		amount, limit, s.opts.CapTTL.Milliseconds(), key).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve binary cap: %w", err)
	}
	return granted, nil
}

// ─── Locking ────────────────────────────────────────────────────────────────

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock implements domain.Locker with SET NX PX. It waits until the lock is
// free or ctx ends. A holder that dies releases the lock when its lease
// expires.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := s.opts.Prefix + ":lock:" + key

	ticker := time.NewTicker(s.opts.LockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, k, token, s.opts.LockTTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release with a fresh context so a cancelled caller still unlocks.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = unlockScript.Run(rctx, s.client, []string{k}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
