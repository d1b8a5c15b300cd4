package castellan

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/castellan-auth/castellan/internal/audit"
	"github.com/castellan-auth/castellan/internal/limiters"
	"github.com/castellan-auth/castellan/internal/stores"
	"github.com/castellan-auth/castellan/jwt"
	"github.com/castellan-auth/castellan/password"
	"github.com/castellan-auth/castellan/session"
)

// Builder assembles an [Engine]. A builder is single-use: Build can be
// called once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	notifier     Notifier
	auditSink    AuditSink
	now          func() time.Time

	built bool
}

// New returns a builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, pending codes, and
// lockout records.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider connects the engine to the caller's user database.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithNotifier sets the out-of-band delivery channel for one-time codes.
// Required when any account has the emailed-code factor enabled.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the destination for audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the engine clock. Tests use it to drive lockout tier
// expiry and session lifetimes deterministically.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires all stores, and returns a ready
// engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	engine := &Engine{
		config:       cfg,
		userProvider: b.userProvider,
		notifier:     b.notifier,
		now:          now,
	}

	engine.lockout = limiters.NewTracker(b.redis, limiters.Config{
		Threshold: cfg.Lockout.Threshold,
		Tiers:     cfg.Lockout.BlockDurations,
		Prefix:    cfg.Lockout.RedisPrefix,
		Now:       now,
	})
	engine.codeStore = stores.NewLoginCodeStore(b.redis, cfg.LoginCode.RedisPrefix, now)
	engine.sessionStore = session.NewStore(b.redis, cfg.Session.RedisPrefix, now)
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)

	ph, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	if cfg.AccessToken.Enabled {
		jm, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.AccessToken.TTL,
			SigningMethod: jwt.SigningMethod(cfg.AccessToken.SigningMethod),
			PrivateKey:    cloneBytes(cfg.AccessToken.PrivateKey),
			PublicKey:     cloneBytes(cfg.AccessToken.PublicKey),
			Issuer:        cfg.AccessToken.Issuer,
		})
		if err != nil {
			return nil, err
		}
		engine.jwtManager = jm
	}

	b.built = true

	return engine, nil
}
