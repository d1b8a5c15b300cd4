package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginCodeRecordVersion1 = 1

var (
	ErrLoginCodeNotFound = errors.New("login code not found")
	ErrLoginCodeExpired  = errors.New("login code expired")
	ErrLoginCodeMismatch = errors.New("login code mismatch")
	ErrLoginCodeExceeded = errors.New("login code attempts exceeded")
	ErrLoginCodeBackend  = errors.New("login code backend unavailable")
)

// LoginCode is one pending emailed one-time code. Only the SHA-256 hash of
// the code is stored.
type LoginCode struct {
	UserID    string
	CodeHash  [32]byte
	ExpiresAt int64
	Attempts  uint16
}

// LoginCodeStore keeps pending codes in Redis, keyed by an opaque handle.
// Consumption is first-wins: the WATCH around the delete guarantees two
// concurrent attempts with the right code cannot both succeed.
type LoginCodeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewLoginCodeStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *LoginCodeStore {
	if prefix == "" {
		prefix = "cot"
	}
	if now == nil {
		now = time.Now
	}
	return &LoginCodeStore{redis: redisClient, prefix: prefix, now: now}
}

func (s *LoginCodeStore) key(handle string) string {
	return s.prefix + ":" + handle
}

func (s *LoginCodeStore) Save(ctx context.Context, handle string, record *LoginCode, ttl time.Duration) error {
	encoded, err := encodeLoginCode(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(handle), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginCodeBackend, err)
	}
	return nil
}

// Discard drops a pending code unconditionally. Used when delivery of the
// plaintext failed and the record must not stay guessable.
func (s *LoginCodeStore) Discard(ctx context.Context, handle string) error {
	if err := s.redis.Del(ctx, s.key(handle)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginCodeBackend, err)
	}
	return nil
}

// Consume validates providedHash against the pending record. On a match the
// record is deleted in the same transaction, so the code is single-use. A
// mismatch burns one attempt; exceeding maxAttempts destroys the record.
func (s *LoginCodeStore) Consume(
	ctx context.Context,
	handle string,
	providedHash [32]byte,
	maxAttempts int,
) (*LoginCode, error) {
	const casRetries = 4
	key := s.key(handle)

	for i := 0; i < casRetries; i++ {
		var matched *LoginCode

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeLoginCode(data)
			if err != nil {
				return err
			}

			if s.now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrLoginCodeExpired
			}

			if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrLoginCodeExceeded
				}

				ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
				if ttl <= 0 {
					return ErrLoginCodeExpired
				}
				updated, err := encodeLoginCode(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrLoginCodeMismatch
			}

			matched = record
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrLoginCodeNotFound
			}
			if errors.Is(err, ErrLoginCodeExpired) ||
				errors.Is(err, ErrLoginCodeMismatch) ||
				errors.Is(err, ErrLoginCodeExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrLoginCodeBackend, err)
		}
		return matched, nil
	}

	return nil, ErrLoginCodeNotFound
}

func encodeLoginCode(record *LoginCode) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(loginCodeRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	if len(record.UserID) > 65535 {
		return nil, errors.New("login code user id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	return buf.Bytes(), nil
}

func decodeLoginCode(data []byte) (*LoginCode, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != loginCodeRecordVersion1 {
		return nil, errors.New("invalid login code version")
	}

	record := &LoginCode{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
