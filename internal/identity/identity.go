package identity

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrMissingIDProvider indicates that no identifier provider was supplied.
var ErrMissingIDProvider = errors.New("identity: id provider is required")

// Session is the anonymous per-session identity. It is generated once when a
// client session starts and passed by reference into every component that
// needs it; components never regenerate it.
type Session struct {
	userID      string
	displayName string
	color       Color
}

// SessionConfig describes the inputs required to build a Session.
type SessionConfig struct {
	IDProvider IDProvider
	// NamePicker overrides the random display-name suffix. Nil picks randomly.
	NamePicker func() int
}

// NewSession generates a fresh anonymous session identity.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.IDProvider == nil {
		return nil, ErrMissingIDProvider
	}
	userID, err := cfg.IDProvider.NewID()
	if err != nil {
		return nil, err
	}
	picker := cfg.NamePicker
	if picker == nil {
		picker = func() int { return rand.Intn(1000) }
	}
	return &Session{
		userID:      userID,
		displayName: fmt.Sprintf("User_%d", picker()),
		color:       ColorFor(userID),
	}, nil
}

// UserID returns the generated session user identifier.
func (s *Session) UserID() string {
	return s.userID
}

// DisplayName returns the anonymous display name.
func (s *Session) DisplayName() string {
	return s.displayName
}

// Color returns the display color derived from the user identifier.
func (s *Session) Color() Color {
	return s.color
}
