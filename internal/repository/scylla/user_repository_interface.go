package scylla

import (
	"context"
	"errors"
	"time"

	"github.com/veloura/auth-service/internal/model"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrRegNoTaken   = errors.New("business registration number already registered")
)

// UserRepository defines the interface for user repository operations
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	BusinessRegNoExists(ctx context.Context, regNo string) (bool, error)
	MarkVerified(ctx context.Context, userID string) error
	UpdateLastLogin(ctx context.Context, userID string, loginAt time.Time) error
	HealthCheck(ctx context.Context) error
}
