// Package session keeps one broker client, instrument directory, and
// gateway pair per credential set. Rate limiting and caching live on the
// session, so callers sharing credentials share both.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/gateway"
	"tradegate/internal/instruments"
	"tradegate/internal/ratelimit"
	"tradegate/internal/risk"
	"tradegate/internal/storage"
)

// Session bundles the per-credential collaborators. All fields are wired
// once at construction and safe for concurrent use.
type Session struct {
	Credentials broker.Credentials
	Client      *broker.Client
	Directory   *instruments.Directory
	Trading     *gateway.Trading
	MarketData  *gateway.MarketData

	createdAt time.Time
}

// CreatedAt reports when the session was constructed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Options parameterise session construction. The risk engine and trade
// store are process-wide and shared across sessions.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit ratelimit.Options
	Cache     CacheTTLs
	Risk      *risk.Engine
	Trades    storage.TradeStore
}

// CacheTTLs carry the configured read-cache lifetimes into each session.
// Zero values take the package defaults.
type CacheTTLs struct {
	Portfolio time.Duration
	Rates     time.Duration
	Directory time.Duration
	Symbols   time.Duration
}

// Registry maps credential fingerprints to live sessions. Construction is
// explicit and deduplicated; there is no ambient default session.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:     opts,
		logger:   logger.With().Str("component", "session_registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// fingerprint derives the registry key from the credential set. The raw
// keys never serve as map keys or appear in logs.
func fingerprint(creds broker.Credentials) string {
	h := sha256.New()
	h.Write([]byte(creds.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(creds.UserKey))
	h.Write([]byte{0})
	h.Write([]byte(creds.Environment))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the session for the credential set, constructing it on first
// use. Concurrent callers with the same credentials get the same session.
func (r *Registry) Get(creds broker.Credentials) *Session {
	key := fingerprint(creds)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[key]; ok {
		return existing
	}

	session := r.build(creds)
	r.sessions[key] = session
	r.logger.Info().
		Str("fingerprint", key[:12]).
		Str("environment", string(creds.Environment)).
		Int("sessions", len(r.sessions)).
		Msg("session constructed")
	return session
}

func (r *Registry) build(creds broker.Credentials) *Session {
	client := broker.NewClient(broker.Options{
		BaseURL:     r.opts.BaseURL,
		Credentials: creds,
		Timeout:     r.opts.Timeout,
		RateLimit:   r.opts.RateLimit,
	}, r.logger)

	directory := instruments.New(client, instruments.Options{
		SymbolTTL:    r.opts.Cache.Symbols,
		DirectoryTTL: r.opts.Cache.Directory,
	}, r.logger)
	trading, market := gateway.NewSet(client, directory, r.opts.Risk, r.opts.Trades, gateway.SetOptions{
		PortfolioTTL: r.opts.Cache.Portfolio,
		RatesTTL:     r.opts.Cache.Rates,
	}, r.logger)

	return &Session{
		Credentials: creds,
		Client:      client,
		Directory:   directory,
		Trading:     trading,
		MarketData:  market,
		createdAt:   time.Now(),
	}
}

// Evict drops the session for the credential set, if present. The next Get
// with the same credentials constructs a fresh session with cold caches.
func (r *Registry) Evict(creds broker.Credentials) {
	key := fingerprint(creds)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		delete(r.sessions, key)
		r.logger.Info().Str("fingerprint", key[:12]).Msg("session evicted")
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
