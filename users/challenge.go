package users

import (
	"sync"
	"time"

	"github.com/jmcleod/ironguard/internal/uuid"
)

const (
	DefaultChallengeTTL  = 5 * time.Minute
	maxChallengeAttempts = 5
)

// Challenge is a pending second-factor login.
type Challenge struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
	attempts  int
}

// ChallengeStore holds pending second-factor challenges in memory. Tokens
// are single use: a challenge is removed on success, on expiry and after
// too many wrong codes.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	ttl        time.Duration
	now        func() time.Time
}

// NewChallengeStore returns a store whose challenges live for ttl.
func NewChallengeStore(ttl time.Duration, now func() time.Time) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
		now:        now,
	}
}

// Issue creates a challenge for u and returns its token.
func (s *ChallengeStore) Issue(u *User) string {
	token := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[token] = &Challenge{
		UserID:    u.ID,
		Username:  u.Username,
		ExpiresAt: s.now().Add(s.ttl),
	}
	return token
}

// Lookup returns the live challenge for token. Expired challenges are
// removed.
func (s *ChallengeStore) Lookup(token string) (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[token]
	if !ok {
		return Challenge{}, false
	}
	if !s.now().Before(c.ExpiresAt) {
		delete(s.challenges, token)
		return Challenge{}, false
	}
	return *c, true
}

// Fail records a wrong code and discards the challenge once the attempt
// cap is reached.
func (s *ChallengeStore) Fail(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[token]
	if !ok {
		return
	}
	c.attempts++
	if c.attempts >= maxChallengeAttempts {
		delete(s.challenges, token)
	}
}

// Complete consumes the challenge. It reports false if the token was
// already used or never existed.
func (s *ChallengeStore) Complete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[token]; !ok {
		return false
	}
	delete(s.challenges, token)
	return true
}

// Sweep removes expired challenges.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(s.challenges, token)
			removed++
		}
	}
	return removed
}
