package keys

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

const sessionKeyHexLength = 64

type sessionKey struct {
	userID         int64
	conversationID int64
	createdAt      time.Time
	lastActiveAt   time.Time
}

// SessionKeys holds in-memory secrets tied to transport sessions. A key is
// minted by Issue before its session joins and removed synchronously when
// that session disconnects; a key that no session joins is never expired.
// State is process-local: reconnects re-mint keys after a restart.
type SessionKeys struct {
	mu     sync.Mutex
	byKey  map[string]*sessionKey
	byPair map[[2]int64]string
	clock  util.Clock
}

// NewSessionKeys builds the in-memory session key table.
func NewSessionKeys(clock util.Clock) *SessionKeys {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &SessionKeys{
		byKey:  make(map[string]*sessionKey),
		byPair: make(map[[2]int64]string),
		clock:  clock,
	}
}

// Issue returns the live key for (user, conversation), minting one when none
// exists. Reuse is idempotent.
func (s *SessionKeys) Issue(userID, conversationID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := [2]int64{userID, conversationID}
	if existing, ok := s.byPair[pair]; ok {
		return existing, nil
	}

	random := make([]byte, 18)
	if _, err := rand.Read(random); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "generate session key", err)
	}
	now := s.clock.Now()
	material := fmt.Sprintf("ws|%d|%d|%d|%x", userID, conversationID, now.UnixMicro(), random)
	sum := sha512.Sum512([]byte(material))
	value := hex.EncodeToString(sum[:])[:sessionKeyHexLength]

	s.byKey[value] = &sessionKey{
		userID:         userID,
		conversationID: conversationID,
		createdAt:      now,
		lastActiveAt:   now,
	}
	s.byPair[pair] = value
	return value, nil
}

// Validate resolves a key to its (user, conversation) pair and bumps the
// last-active stamp.
func (s *SessionKeys) Validate(value string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byKey[value]
	if !ok {
		return 0, 0, apperr.AuthFailed("unknown session key")
	}
	key.lastActiveAt = s.clock.Now()
	return key.userID, key.conversationID, nil
}

// Remove drops the key on disconnect. Unknown values are a no-op.
func (s *SessionKeys) Remove(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byKey[value]
	if !ok {
		return
	}
	delete(s.byKey, value)
	delete(s.byPair, [2]int64{key.userID, key.conversationID})
}

// UserKeys lists the live key values held by a user.
func (s *SessionKeys) UserKeys(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for value, key := range s.byKey {
		if key.userID == userID {
			out = append(out, value)
		}
	}
	return out
}
