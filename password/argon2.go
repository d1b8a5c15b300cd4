package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 8
	algorithmID           = "argon2id"
)

// Config holds argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes and verifies secrets in PHC string format.
type Hasher struct {
	config Config
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

func NewHasher(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Hasher{config: cfg}, nil
}

// Hash derives an argon2id hash of the password under a fresh random salt.
// Raw string bytes are used exactly as provided (no Unicode normalization).
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", fmt.Errorf("password must be at least %d bytes", minPassBytes)
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// Verify re-derives the hash under the parameters embedded in encodedHash
// and compares in constant time.
func (h *Hasher) Verify(password string, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsUpgrade reports whether encodedHash was produced with weaker
// parameters than the hasher's current configuration.
func (h *Hasher) NeedsUpgrade(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	if h.config.Memory > parsed.memory {
		return true, nil
	}
	if h.config.Time > parsed.time {
		return true, nil
	}
	if h.config.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.config.KeyLength != parsed.keyLength {
		return true, nil
	}
	return false, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return errors.New("argon2 memory below minimum")
	}
	if cfg.Time < minTimeCost {
		return errors.New("argon2 time cost below minimum")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("argon2 parallelism below minimum")
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("argon2 salt length below minimum")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("argon2 key length below minimum")
	}
	return nil
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("malformed hash encoding")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("unsupported hash algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, errors.New("malformed hash version")
	}
	if version != argon2.Version {
		return nil, errors.New("incompatible argon2 version")
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return nil, errors.New("malformed hash parameters")
	}

	parsed := &parsedPHC{}
	for _, p := range params {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("malformed hash parameters")
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, errors.New("malformed hash parameters")
		}
		switch kv[0] {
		case "m":
			parsed.memory = uint32(n)
		case "t":
			parsed.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, errors.New("malformed hash parameters")
			}
			parsed.parallelism = uint8(n)
		default:
			return nil, errors.New("malformed hash parameters")
		}
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, errors.New("malformed hash salt")
	}
	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, errors.New("malformed hash digest")
	}

	parsed.salt = salt
	parsed.hash = hash
	parsed.keyLength = uint32(len(hash))
	return parsed, nil
}
