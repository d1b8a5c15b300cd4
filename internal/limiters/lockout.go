package limiters

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockoutRecordVersion1 = 1
	lockoutFlagBlocked    = 1 << 0

	casRetries = 4
)

// ErrLockoutUnavailable indicates the lockout backend is unreachable or the
// record could not be updated atomically.
var ErrLockoutUnavailable = errors.New("lockout backend unavailable")

// Record is one source address's lockout state. Records carry no TTL: a
// permanent block survives until an explicit unblock.
type Record struct {
	Failures     uint16
	Level        uint8
	Blocked      bool
	LastAttempt  int64
	BlockedUntil int64 // unix seconds; 0 while Blocked means permanent
}

// Config tunes the tracker.
type Config struct {
	// Threshold is the failure count that triggers a block.
	Threshold int
	// Tiers holds the temporary block durations in escalation order.
	// Escalating past the last tier blocks permanently.
	Tiers  []time.Duration
	Prefix string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Tracker keeps one escalating lockout record per source address in Redis.
// Every mutation is a WATCH-guarded read-modify-write, so concurrent
// failures from one address cannot lose an increment or double-trigger a
// block.
type Tracker struct {
	redis redis.UniversalClient
	cfg   Config
	now   func() time.Time
}

func NewTracker(redisClient redis.UniversalClient, cfg Config) *Tracker {
	if cfg.Prefix == "" {
		cfg.Prefix = "clk"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{redis: redisClient, cfg: cfg, now: now}
}

func (t *Tracker) key(addr string) string {
	return t.cfg.Prefix + ":" + addr
}

// tierDuration returns the block duration for a 1-based level, or false for
// the permanent tier.
func (t *Tracker) tierDuration(level uint8) (time.Duration, bool) {
	idx := int(level) - 1
	if idx < 0 || idx >= len(t.cfg.Tiers) {
		return 0, false
	}
	return t.cfg.Tiers[idx], true
}

// RecordFailure increments the failure counter for the address and reports
// whether this call tripped a block. Tripping a block advances the level,
// zeroes the counter, and stamps the block deadline for the new tier.
func (t *Tracker) RecordFailure(ctx context.Context, addr string) (bool, error) {
	if addr == "" {
		return false, nil
	}

	key := t.key(addr)
	for i := 0; i < casRetries; i++ {
		var triggered bool

		err := t.redis.Watch(ctx, func(tx *redis.Tx) error {
			record, err := t.load(ctx, tx, key)
			if err != nil {
				return err
			}

			now := t.now()
			record.Failures++
			record.LastAttempt = now.Unix()

			if int(record.Failures) >= t.cfg.Threshold {
				triggered = true
				record.Blocked = true
				record.Failures = 0
				if record.Level < 255 {
					record.Level++
				}
				if d, temporary := t.tierDuration(record.Level); temporary {
					record.BlockedUntil = now.Add(d).Unix()
				} else {
					record.BlockedUntil = 0
				}
			}

			return t.store(ctx, tx, key, record)
		}, key)

		if err == redis.TxFailedErr {
			triggered = false
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
		return triggered, nil
	}

	return false, ErrLockoutUnavailable
}

// IsBlocked reports whether the address is currently blocked. A temporary
// block whose deadline has passed is cleared here, lazily: the blocked flag,
// deadline, and failure counter reset while the level is preserved so
// escalation persists across cycles. retryAfter is 0 for permanent blocks.
func (t *Tracker) IsBlocked(ctx context.Context, addr string) (blocked bool, retryAfter time.Duration, permanent bool, err error) {
	if addr == "" {
		return false, 0, false, nil
	}

	key := t.key(addr)
	for i := 0; i < casRetries; i++ {
		var (
			outBlocked   bool
			outRetry     time.Duration
			outPermanent bool
		)

		werr := t.redis.Watch(ctx, func(tx *redis.Tx) error {
			record, err := t.load(ctx, tx, key)
			if err != nil {
				return err
			}
			if !record.Blocked {
				return nil
			}

			if record.BlockedUntil == 0 {
				outBlocked = true
				outPermanent = true
				return nil
			}

			now := t.now()
			if now.Unix() > record.BlockedUntil {
				record.Blocked = false
				record.BlockedUntil = 0
				record.Failures = 0
				return t.store(ctx, tx, key, record)
			}

			outBlocked = true
			outRetry = time.Unix(record.BlockedUntil, 0).Sub(now)
			return nil
		}, key)

		if werr == redis.TxFailedErr {
			continue
		}
		if werr != nil {
			return false, 0, false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, werr)
		}
		return outBlocked, outRetry, outPermanent, nil
	}

	return false, 0, false, ErrLockoutUnavailable
}

// RecordSuccess fully pardons the address: counter, flags, deadline, and
// level all return to zero.
func (t *Tracker) RecordSuccess(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	if err := t.redis.Del(ctx, t.key(addr)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Unblock is the explicit administrative reset required to recover from the
// permanent tier. It discards the whole record.
func (t *Tracker) Unblock(ctx context.Context, addr string) error {
	return t.RecordSuccess(ctx, addr)
}

// Status returns a read-only copy of the address's record without the lazy
// expiry side effect.
func (t *Tracker) Status(ctx context.Context, addr string) (Record, error) {
	if addr == "" {
		return Record{}, nil
	}

	data, err := t.redis.Get(ctx, t.key(addr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	record, err := decodeLockoutRecord(data)
	if err != nil {
		return Record{}, err
	}
	return *record, nil
}

// load reads the record inside a WATCH. An absent key is failure-count 0,
// never blocked.
func (t *Tracker) load(ctx context.Context, tx *redis.Tx, key string) (*Record, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &Record{}, nil
		}
		return nil, err
	}
	return decodeLockoutRecord(data)
}

func (t *Tracker) store(ctx context.Context, tx *redis.Tx, key string, record *Record) error {
	encoded := encodeLockoutRecord(record)
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, encoded, 0)
		return nil
	})
	return err
}

func encodeLockoutRecord(record *Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte(lockoutRecordVersion1)

	var flags uint8
	if record.Blocked {
		flags |= lockoutFlagBlocked
	}
	buf.WriteByte(flags)
	buf.WriteByte(record.Level)

	_ = binary.Write(&buf, binary.BigEndian, record.Failures)
	_ = binary.Write(&buf, binary.BigEndian, record.LastAttempt)
	_ = binary.Write(&buf, binary.BigEndian, record.BlockedUntil)

	return buf.Bytes()
}

func decodeLockoutRecord(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != lockoutRecordVersion1 {
		return nil, errors.New("invalid lockout record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	level, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Record{
		Blocked: flags&lockoutFlagBlocked != 0,
		Level:   level,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Failures); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.LastAttempt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.BlockedUntil); err != nil {
		return nil, err
	}

	return record, nil
}
