// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"inkwell/api/internal/rbac"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// ErrInvalidCredentials is returned for unknown emails and wrong
// passwords alike, so sign-in failures don't reveal which it was.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ValidationError marks a sign-up or sign-in request that fails input
// checks before touching storage.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides email/password authentication.
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters. Role is optional; blank
// and unknown values fall back to the default role.
type SignUpRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// SignUp creates a new user account. The account is active
// immediately.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if req.Email == "" || req.Password == "" || req.Name == "" {
		return store.User{}, invalid("name, email, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, invalid("password must be at least 8 characters")
	}
	if !strings.Contains(req.Email, "@") {
		return store.User{}, invalid("email is not valid")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	role := rbac.RoleEditor // Default role
	if req.Role != "" {
		role = rbac.Normalize(req.Role)
	}

	user := store.User{
		ID:           util.NewID("usr_"),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         string(role),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// SignInRequest contains sign-in parameters.
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user against the stored bcrypt hash.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		return store.User{}, invalid("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	return user, nil
}
