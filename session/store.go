package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a token resolves to nothing.
var ErrNotFound = errors.New("session not found")

// ErrExpired is returned when a token resolves to a record past its expiry.
var ErrExpired = errors.New("session expired")

// ErrRedisUnavailable wraps backend faults.
var ErrRedisUnavailable = errors.New("session redis unavailable")

// revokeScript deletes the session record and its membership in the owner's
// session set in one atomic step, returning whether the record existed.
const revokeScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var revokeLua = redis.NewScript(revokeScript)

// Store keeps sessions in Redis: one record per token plus a per-user set of
// live tokens. Issuance appends to the set (SADD), so concurrent logins for
// the same user never clobber sibling sessions.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "cse"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{redis: redisClient, prefix: prefix, now: now}
}

func (s *Store) tokenKey(token string) string {
	return s.prefix + ":s:" + token
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Save persists a new session and registers it with the owner's session set.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	encoded, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(sess.Token), encoded, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.Token)
		// Keep the set alive at least as long as its newest member.
		pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Resolve returns the live session for a token. A record past its expiry is
// discarded and reported as ErrExpired; expired sessions never resolve.
func (s *Store) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	data, err := s.redis.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(token, data)
	if err != nil {
		return nil, err
	}

	if s.now().Unix() > sess.ExpiresAt {
		_, _ = revokeLua.Run(ctx, s.redis,
			[]string{s.tokenKey(token), s.userKey(sess.UserID)}, token).Result()
		return nil, ErrExpired
	}

	return sess, nil
}

// Revoke invalidates a token immediately. It reports false when the token
// was already gone.
func (s *Store) Revoke(ctx context.Context, token string) (bool, error) {
	sess, err := s.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			return false, nil
		}
		return false, err
	}

	existed, err := revokeLua.Run(ctx, s.redis,
		[]string{s.tokenKey(token), s.userKey(sess.UserID)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return existed == 1, nil
}

// RevokeAll invalidates every live session owned by the user and returns
// how many were removed.
func (s *Store) RevokeAll(ctx context.Context, userID string) (int, error) {
	tokens, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	removed := 0
	for _, token := range tokens {
		existed, err := revokeLua.Run(ctx, s.redis,
			[]string{s.tokenKey(token), s.userKey(userID)}, token).Int64()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if existed == 1 {
			removed++
		}
	}

	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return removed, nil
}

// ActiveTokens lists the tokens currently registered to the user. Tokens
// whose records have lapsed are filtered out.
func (s *Store) ActiveTokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	live := tokens[:0]
	for _, token := range tokens {
		if _, err := s.Resolve(ctx, token); err == nil {
			live = append(live, token)
		}
	}
	return live, nil
}
