// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
)

// KeyPrefix namespaces persisted sessions; the full key is KeyPrefix + owner.
const KeyPrefix = "interview_session:"

var (
	// ErrModeMismatch is returned by Load when the persisted session belongs to another mode.
	ErrModeMismatch = errors.New("persisted session has a different mode")
	// ErrCorrupt is returned by Load when the persisted record cannot be decoded.
	ErrCorrupt = errors.New("persisted session is corrupt")
)

// Repository persists one interview session per owner.
type Repository interface {
	// Save replaces the owner's persisted session.
	Save(ctx context.Context, owner string, s *domain.Session) error

	// Load returns the owner's session, or nil when none is stored.
	// A non-empty mode that differs from the stored one yields ErrModeMismatch.
	Load(ctx context.Context, owner string, mode domain.Mode) (*domain.Session, error)

	// Delete removes the owner's session. Deleting a missing record is not an error.
	Delete(ctx context.Context, owner string) error

	// DeleteIdle removes sessions whose last activity is before cutoff and
	// returns the affected owners.
	DeleteIdle(ctx context.Context, cutoff time.Time) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Key returns the storage key for owner.
func Key(owner string) string {
	return KeyPrefix + owner
}

// OwnerFromKey strips KeyPrefix from a storage key.
func OwnerFromKey(key string) string {
	return strings.TrimPrefix(key, KeyPrefix)
}

func encodeSession(s *domain.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.ID == "" || !s.Mode.Valid() {
		return nil, fmt.Errorf("%w: missing id or mode", ErrCorrupt)
	}
	if s.TopicScores == nil {
		s.TopicScores = map[string]domain.TopicScore{}
	}
	return &s, nil
}
