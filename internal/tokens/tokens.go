// Package tokens persists the access/refresh credential pair.
//
// Every read goes to storage so callers never act on a copy that another
// goroutine has already rotated.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

// Stable storage keys.
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
)

// Pair is the current credential pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether no access token is held.
func (p Pair) IsZero() bool { return p.AccessToken == "" }

// Store is the token store. It is safe for concurrent use.
type Store struct {
	db store.Store

	mu        sync.Mutex
	observers map[int]func(Pair)
	nextID    int
}

func New(db store.Store) *Store {
	return &Store{
		db:        db,
		observers: make(map[int]func(Pair)),
	}
}

// Load reads the pair fresh from storage. Missing keys yield empty fields.
func (s *Store) Load(ctx context.Context) (Pair, error) {
	access, err := s.get(ctx, KeyAccessToken)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.get(ctx, KeyRefreshToken)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// AccessToken returns the stored access token or "" when absent or unreadable.
func (s *Store) AccessToken(ctx context.Context) string {
	v, _ := s.get(ctx, KeyAccessToken)
	return v
}

// RefreshToken returns the stored refresh token or "".
func (s *Store) RefreshToken(ctx context.Context) string {
	v, _ := s.get(ctx, KeyRefreshToken)
	return v
}

// Save persists a new pair atomically and notifies observers.
// Only a successful login or refresh should call it.
func (s *Store) Save(ctx context.Context, p Pair) error {
	if p.AccessToken == "" {
		return errors.New("tokens: empty access token")
	}

	err := s.db.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.KV().Set(ctx, KeyAccessToken, p.AccessToken); err != nil {
			return err
		}
		if p.RefreshToken == "" {
			return tx.KV().Delete(ctx, KeyRefreshToken)
		}
		return tx.KV().Set(ctx, KeyRefreshToken, p.RefreshToken)
	})
	if err != nil {
		return fmt.Errorf("tokens: save: %w", err)
	}

	s.notify(p)
	return nil
}

// Clear removes both tokens and notifies observers with a zero Pair.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.KV().Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		return fmt.Errorf("tokens: clear: %w", err)
	}

	s.notify(Pair{})
	return nil
}

// OnChange registers fn to run after every Save or Clear. Observers run on the
// caller's goroutine and must not block.
func (s *Store) OnChange(fn func(Pair)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(p Pair) {
	s.mu.Lock()
	fns := make([]func(Pair), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	v, err := s.db.KV().Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokens: read %s: %w", key, err)
	}
	return v, nil
}

// Claims is the subset of access token claims the client looks at.
type Claims struct {
	Subject   string
	Tenant    string
	ExpiresAt time.Time
}

// ParseClaims reads claims from a JWT access token without verifying its
// signature; the server remains the authority. Opaque tokens return false.
func ParseClaims(accessToken string) (Claims, bool) {
	if accessToken == "" {
		return Claims{}, false
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, mc); err != nil {
		return Claims{}, false
	}

	var c Claims
	c.Subject, _ = mc.GetSubject()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if tenant, ok := mc["tenant"].(string); ok {
		c.Tenant = tenant
	}
	return c, true
}

// ExpiresWithin reports whether the token is a JWT that expires inside d.
// Tokens without a readable exp never report expiry.
func ExpiresWithin(accessToken string, d time.Duration) bool {
	c, ok := ParseClaims(accessToken)
	if !ok || c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < d
}
