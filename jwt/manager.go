package jwt

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signing algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Config tunes access-token minting and verification.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	// PrivateKey is the Ed25519 private key (raw or PEM) or the HMAC secret.
	PrivateKey []byte
	// PublicKey is the Ed25519 public key (raw or PEM); unused for HS256.
	PublicKey []byte
	Issuer    string
	Leeway    time.Duration
}

// Manager mints and verifies short-lived access tokens. Tokens are derived
// capabilities: they carry the identity snapshot of the session they were
// minted from and expire on their own, without any revocation channel.
type Manager struct {
	config Config
}

// AccessClaims is the claim set of a minted access token.
type AccessClaims struct {
	Email string `json:"email,omitempty"`
	Role  uint8  `json:"role"`
	jwt.RegisteredClaims
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// Mint signs a token for the user. maxLife caps the effective TTL so a token
// never outlives the session it was derived from; 0 means no cap.
func (j *Manager) Mint(userID, email string, role uint8, now time.Time, maxLife time.Duration) (string, error) {
	if len(j.config.PrivateKey) == 0 {
		return "", errors.New("no signing key configured")
	}

	ttl := j.config.TTL
	if maxLife > 0 && maxLife < ttl {
		ttl = maxLife
	}
	if ttl <= 0 {
		return "", errors.New("session has no remaining life")
	}

	claims := AccessClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(j.getMethod(), claims)
	signKey, err := j.getSignKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(signKey)
}

// Parse verifies signature, expiry, and issuer, and returns the claims.
func (j *Manager) Parse(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.getMethod().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		return j.getVerifyKey()
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) getSignKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(j.config.PrivateKey)
	}
}

func (j *Manager) getVerifyKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return parseEdPublicKey(j.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
