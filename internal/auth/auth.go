// Package auth validates the API keys presented on voice connections and
// enforces per-tier connection limits. Keys are configured as sha256
// hashes; plaintexts exist only in client hands and environment variables.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// KeyPrefix marks every valid key, master keys included.
const KeyPrefix = "ocv_"

// Tier is a pricing level with its own operating bounds.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a config string to a tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Limits are the operating bounds a tier grants a key.
type Limits struct {
	ConnectsPerMinute int
	MaxSessions       int
	MonthlyMinutes    int // 0 means unmetered
}

// Limits returns the bounds for the tier. Unknown tiers get free limits.
func (t Tier) Limits() Limits {
	switch t {
	case TierPro:
		return Limits{ConnectsPerMinute: 120, MaxSessions: 8, MonthlyMinutes: 500}
	case TierEnterprise:
		return Limits{ConnectsPerMinute: 500, MaxSessions: 32, MonthlyMinutes: 0}
	default:
		return Limits{ConnectsPerMinute: 30, MaxSessions: 2, MonthlyMinutes: 60}
	}
}

// Key identifies an authenticated caller. Hash is the sha256 hex of the
// plaintext and doubles as the key's stable id in storage.
type Key struct {
	Name string
	Tier Tier
	Hash string
}

var (
	ErrMissingKey      = errors.New("api key required")
	ErrUnknownKey      = errors.New("invalid api key")
	ErrRateLimited     = errors.New("connect rate exceeded")
	ErrTooManySessions = errors.New("concurrent session limit reached")
)

// HashKey returns the sha256 hex digest of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Generate mints a fresh plaintext key for the given owner. The plaintext
// is returned exactly once; only its hash is kept.
func Generate(name string, tier Tier) (string, Key) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("auth: read random: %v", err))
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, Key{Name: name, Tier: tier, Hash: HashKey(plaintext)}
}

type entry struct {
	key    Key
	limits Limits

	windowStart time.Time
	windowCount int
	active      int
}

// Keyring holds the configured keys and their live connection counts.
type Keyring struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyring() *Keyring {
	return &Keyring{entries: make(map[string]*entry)}
}

// Register adds a key by its sha256 hex hash.
func (r *Keyring) Register(name string, tier Tier, hash string) error {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) != sha256.Size*2 {
		return fmt.Errorf("key %q: hash must be %d hex characters", name, sha256.Size*2)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("key %q: hash is not hex: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[hash]; ok {
		return fmt.Errorf("key %q: hash already registered", name)
	}
	r.entries[hash] = &entry{
		key:    Key{Name: name, Tier: tier, Hash: hash},
		limits: tier.Limits(),
	}
	return nil
}

// RegisterPlaintext hashes and registers a key known in plaintext, such as
// the master key from the environment.
func (r *Keyring) RegisterPlaintext(name string, tier Tier, plaintext string) error {
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		return fmt.Errorf("key %q: plaintext must start with %q", name, KeyPrefix)
	}
	return r.Register(name, tier, HashKey(plaintext))
}

// Len reports the number of registered keys.
func (r *Keyring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Grant is one held session slot for an authenticated key.
type Grant struct {
	Key     Key
	Limits  Limits
	release func()
}

// Release frees the slot. Safe to call more than once.
func (g *Grant) Release() {
	if g == nil || g.release == nil {
		return
	}
	g.release()
	g.release = nil
}

// Acquire authorizes one connection for the presented token. On success
// the caller holds one of the key's session slots until Release.
func (r *Keyring) Acquire(token string, now time.Time) (*Grant, error) {
	if token == "" {
		return nil, ErrMissingKey
	}
	if !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrUnknownKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[HashKey(token)]
	if !ok {
		return nil, ErrUnknownKey
	}

	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.windowCount = 0
	}
	if e.limits.ConnectsPerMinute > 0 && e.windowCount >= e.limits.ConnectsPerMinute {
		return nil, ErrRateLimited
	}
	if e.limits.MaxSessions > 0 && e.active >= e.limits.MaxSessions {
		return nil, ErrTooManySessions
	}

	e.windowCount++
	e.active++
	return &Grant{
		Key:    e.key,
		Limits: e.limits,
		release: func() {
			r.mu.Lock()
			e.active--
			r.mu.Unlock()
		},
	}, nil
}

// Active reports the live connection count for a key hash.
func (r *Keyring) Active(hash string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[hash]; ok {
		return e.active
	}
	return 0
}
