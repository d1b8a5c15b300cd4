package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strconv"
)

const sessionTokenBytes = 24

// NewSessionToken returns an opaque, unguessable bearer token value.
func NewSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewLoginCode returns a uniformly random 6-digit numeric code in
// [100000, 999999]. The lower bound keeps the leading digit nonzero.
func NewLoginCode() (string, error) {
	const span = 900000 // 999999 - 100000 + 1
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// NewRecoveryCode returns a 10-character base32-flavored recovery code.
func NewRecoveryCode() (string, error) {
	const alphabet = "abcdefghjkmnpqrstuvwxyz23456789" // no 0/1/i/l/o
	const length = 10

	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// HashValue is the canonical hash used for stored code comparisons.
func HashValue(value string) [32]byte {
	return sha256.Sum256([]byte(value))
}
