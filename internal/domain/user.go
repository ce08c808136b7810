// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 36
	MinLevel       = 1.0
	MaxLevel       = 9.0
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrEmailInvalid    = errors.New("email invalid")
	ErrLevelOutOfRange = errors.New("level out of range")
)

type UserID string

type User struct {
	ID       UserID    `json:"id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	Level    float64   `json:"current_level"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(email, username string, level float64) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if !strings.Contains(email, "@") {
		return nil, ErrEmailInvalid
	}
	if level < MinLevel || level > MaxLevel {
		return nil, ErrLevelOutOfRange
	}
	return &User{
		ID:       UserID(uuid.NewString()),
		Email:    email,
		Username: username,
		Level:    level,
	}, nil
}
