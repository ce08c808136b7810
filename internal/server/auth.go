package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/valiyev-777/Speaking/internal/domain"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
)

type account struct {
	user         *domain.User
	passwordHash []byte
}

// UserStore keeps accounts in memory. Durable profile storage is a
// collaborator outside this subsystem; the store is just enough of the
// auth surface to hand out user ids and credentials.
type UserStore struct {
	mu      sync.RWMutex
	byEmail map[string]*account
	byID    map[domain.UserID]*account
}

func NewUserStore() *UserStore {
	return &UserStore{
		byEmail: make(map[string]*account),
		byID:    make(map[domain.UserID]*account),
	}
}

func (s *UserStore) Register(email, password, username string, level float64) (*domain.User, error) {
	user, err := domain.NewUser(email, username, level)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return nil, ErrEmailTaken
	}
	acc := &account{user: user, passwordHash: hash}
	s.byEmail[email] = acc
	s.byID[user.ID] = acc
	return user, nil
}

func (s *UserStore) Authenticate(email, password string) (*domain.User, error) {
	s.mu.RLock()
	acc, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acc.user, nil
}

func (s *UserStore) Get(id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return acc.user, nil
}

// All returns a snapshot of every registered user.
func (s *UserStore) All() []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.User, 0, len(s.byID))
	for _, acc := range s.byID {
		users = append(users, *acc.user)
	}
	return users
}

func (s *UserStore) SetOnline(id domain.UserID, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.byID[id]; ok {
		acc.user.IsOnline = online
		acc.user.LastSeen = time.Now()
	}
}

// TokenIssuer mints and verifies the bearer credentials used both for
// the HTTP API and as the signaling connection parameter.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (ti *TokenIssuer) Issue(uid domain.UserID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(uid),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

func (ti *TokenIssuer) Verify(token string) (domain.UserID, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("verify token: missing subject")
	}
	return domain.UserID(claims.Subject), nil
}
