// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package console provides the operator HTTP surface and its auth.
package console

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/signalhub/signalhub/hub/console/consoleauth"
	"github.com/signalhub/signalhub/hub/permissions"
)

var (
	mon = monkit.Package()

	// Error is the default console errs class.
	Error = errs.Class("console")
	// ErrUnauthorized is returned for missing, invalid or expired tokens.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrLoginCredentials is returned when username or password is wrong.
	ErrLoginCredentials = errs.Class("login credentials")
	// ErrForbidden is returned when the permission matrices deny an action.
	ErrForbidden = errs.Class("forbidden")
)

// User is one console account.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash []byte
	Roles        []permissions.Role
	CreatedAt    time.Time
}

// UsersDB is the console account storage.
//
// architecture: Database
type UsersDB interface {
	Insert(ctx context.Context, user *User) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]User, error)
}

// AuthConfig holds token and login settings.
type AuthConfig struct {
	TokenSecret     string        `help:"secret for signing console auth tokens" default:""`
	TokenExpiration time.Duration `help:"how long issued auth tokens stay valid" default:"24h"`
}

// Service authenticates console users and issues bearer tokens.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	users  UsersDB
	signer *consoleauth.Hmac
	config AuthConfig

	nowFn func() time.Time
}

// NewService creates a console auth service.
func NewService(log *zap.Logger, users UsersDB, config AuthConfig) (*Service, error) {
	if config.TokenSecret == "" {
		return nil, Error.New("auth token secret is required")
	}
	return &Service{
		log:    log,
		users:  users,
		signer: &consoleauth.Hmac{Secret: []byte(config.TokenSecret)},
		config: config,
		nowFn:  time.Now,
	}, nil
}

// SetNow allows tests to control the clock.
func (s *Service) SetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// Login checks the credentials and returns a signed token with the user.
func (s *Service) Login(ctx context.Context, username, password string) (_ string, _ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		// unknown user answers the same as a bad password
		return "", nil, ErrLoginCredentials.New("invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", nil, ErrLoginCredentials.New("invalid username or password")
	}

	token, err := s.createToken(user)
	if err != nil {
		return "", nil, err
	}
	s.log.Info("user logged in", zap.String("username", user.Username))
	return token, user, nil
}

func (s *Service) createToken(user *User) (string, error) {
	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, string(role))
	}
	claims := consoleauth.Claims{
		UserID:     user.ID,
		Username:   user.Username,
		Roles:      roles,
		Expiration: s.nowFn().UTC().Add(s.config.TokenExpiration),
	}
	payload, err := claims.JSON()
	if err != nil {
		return "", Error.Wrap(err)
	}
	token := consoleauth.Token{Payload: payload}
	if err := s.signer.SignToken(&token); err != nil {
		return "", Error.Wrap(err)
	}
	return token.String(), nil
}

// Authorize validates a serialized token and returns its claims.
func (s *Service) Authorize(ctx context.Context, tokenString string) (_ *consoleauth.Claims, err error) {
	defer mon.Task()(&ctx)(&err)

	token, err := consoleauth.FromBase64URLString(tokenString)
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	ok, err := s.signer.Verify(token)
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	if !ok {
		return nil, ErrUnauthorized.New("invalid token signature")
	}
	claims, err := consoleauth.FromJSON(token.Payload)
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	if s.nowFn().UTC().After(claims.Expiration) {
		return nil, ErrUnauthorized.New("token expired")
	}
	return claims, nil
}

// Roles converts claim role strings back to typed roles.
func Roles(claims *consoleauth.Claims) []permissions.Role {
	roles := make([]permissions.Role, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		roles = append(roles, permissions.Role(role))
	}
	return roles
}

// HashPassword returns the bcrypt hash to store for a password.
func HashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return hash, Error.Wrap(err)
}
