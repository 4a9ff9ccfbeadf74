package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// ErrUserNotFound indicates the directory has no such user.
var ErrUserNotFound = fmt.Errorf("users: user %w", shared.ErrNotFound)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	return s.repo.GetUser(ctx, strings.TrimSpace(id))
}

// Exists reports whether id names an active user.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	user, err := s.GetUser(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsActive, nil
}
