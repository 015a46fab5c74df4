package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/bucketing"
	"github.com/veloura/auth-service/internal/model"
	"github.com/veloura/auth-service/internal/util"
)

type scyllaUserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, logger *zap.Logger) UserRepository {
	// Using global util logger instead of individual logger
	return &scyllaUserRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *scyllaUserRepository) CreateUser(ctx context.Context, user *model.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.buckets.GetUserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now

	// The lookup-table inserts use LWT so a concurrent duplicate loses the race.
	applied, err := r.reserveEmail(ctx, user)
	if err != nil {
		return err
	}
	if !applied {
		return ErrEmailTaken
	}

	if user.Vendor != nil {
		applied, err := r.reserveRegNo(ctx, user)
		if err != nil {
			r.releaseEmail(ctx, user.Email)
			return err
		}
		if !applied {
			r.releaseEmail(ctx, user.Email)
			return ErrRegNoTaken
		}
	}

	addresses, err := marshalAddresses(user.Addresses)
	if err != nil {
		return fmt.Errorf("failed to encode addresses: %w", err)
	}

	// Use batch operation for consistency
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.UserBucket, user.UserID, user.Email, user.PasswordHash,
		user.FirstName, user.LastName,
		user.PhoneEncrypted, user.PhoneDEK, user.PhoneKeyID,
		string(user.Role), user.IsVerified, addresses,
		user.CreatedAt, user.UpdatedAt, user.VerifiedAt, user.LastLogin)

	if user.Vendor != nil {
		batch.Query(r.client.Prepared.CreateVendorProfile.Statement(),
			user.UserBucket, user.UserID,
			user.Vendor.BusinessName, user.Vendor.BusinessRegNo,
			user.Vendor.Description, user.Vendor.Website,
			user.Vendor.SocialMedia, user.CreatedAt)
	}

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("Failed to create user",
			zap.String("email", user.Email),
			zap.String("user_id", user.UserID),
			zap.Error(err))
		r.releaseEmail(ctx, user.Email)
		if user.Vendor != nil {
			r.releaseRegNo(ctx, user.Vendor.BusinessRegNo)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created successfully",
		zap.String("email", user.Email),
		zap.String("user_id", user.UserID),
		zap.String("role", string(user.Role)))

	return nil
}

func (r *scyllaUserRepository) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	bucket := r.buckets.GetUserBucket(userID)
	user, err := r.scanUser(ctx, r.client.Prepared.GetUserByID.WithContext(ctx).Bind(bucket, userID))
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to get user by ID",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (r *scyllaUserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByEmail.WithContext(ctx).Bind(email)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to resolve user by email",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve user by email: %w", err)
	}

	user, err := r.scanUser(ctx, r.client.Prepared.GetUserByID.WithContext(ctx).Bind(bucket, userID))
	if err != nil {
		if err == gocql.ErrNotFound {
			// The mapping row outlived the user row.
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (r *scyllaUserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByEmail.WithContext(ctx).Bind(email)
	if err := query.Scan(&bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return true, nil
}

func (r *scyllaUserRepository) BusinessRegNoExists(ctx context.Context, regNo string) (bool, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByRegNo.WithContext(ctx).Bind(regNo)
	if err := query.Scan(&bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check business registration number: %w", err)
	}
	return true, nil
}

func (r *scyllaUserRepository) MarkVerified(ctx context.Context, userID string) error {
	bucket := r.buckets.GetUserBucket(userID)
	now := time.Now().UTC()

	query := r.client.Prepared.MarkUserVerified.WithContext(ctx).Bind(true, now, now, bucket, userID)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to mark user verified",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to mark user verified: %w", err)
	}

	util.Info("User marked verified", zap.String("user_id", userID))
	return nil
}

func (r *scyllaUserRepository) UpdateLastLogin(ctx context.Context, userID string, loginAt time.Time) error {
	bucket := r.buckets.GetUserBucket(userID)

	query := r.client.Prepared.UpdateUserLastLogin.WithContext(ctx).Bind(loginAt.UTC(), bucket, userID)
	if err := query.Exec(); err != nil {
		util.Error("Failed to update user last login",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to update user last login: %w", err)
	}
	return nil
}

func (r *scyllaUserRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

func (r *scyllaUserRepository) scanUser(ctx context.Context, query *gocql.Query) (*model.User, error) {
	user := &model.User{}
	var role string
	var addresses []string
	var updatedAt, verifiedAt, lastLogin time.Time

	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Email, &user.PasswordHash,
		&user.FirstName, &user.LastName,
		&user.PhoneEncrypted, &user.PhoneDEK, &user.PhoneKeyID,
		&role, &user.IsVerified, &addresses,
		&user.CreatedAt, &updatedAt, &verifiedAt, &lastLogin)
	if err != nil {
		return nil, err
	}

	user.Role = model.Role(role)
	if !model.ValidRole(user.Role) {
		return nil, fmt.Errorf("user %s has unknown role %q", user.UserID, role)
	}
	user.Addresses, err = unmarshalAddresses(addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to decode addresses for user %s: %w", user.UserID, err)
	}
	if !updatedAt.IsZero() {
		user.UpdatedAt = &updatedAt
	}
	if !verifiedAt.IsZero() {
		user.VerifiedAt = &verifiedAt
	}
	if !lastLogin.IsZero() {
		user.LastLogin = &lastLogin
	}

	if user.Role == model.RoleVendor {
		vendor, err := r.getVendorProfile(ctx, user.UserBucket, user.UserID)
		if err != nil {
			return nil, err
		}
		user.Vendor = vendor
	}

	return user, nil
}

func (r *scyllaUserRepository) getVendorProfile(ctx context.Context, bucket int, userID string) (*model.VendorProfile, error) {
	vendor := &model.VendorProfile{}

	query := r.client.Prepared.GetVendorProfile.WithContext(ctx).Bind(bucket, userID)
	err := r.client.ScanWithRetry(query,
		&vendor.BusinessName, &vendor.BusinessRegNo,
		&vendor.Description, &vendor.Website, &vendor.SocialMedia)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get vendor profile",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get vendor profile: %w", err)
	}
	return vendor, nil
}

func (r *scyllaUserRepository) reserveEmail(ctx context.Context, user *model.User) (bool, error) {
	var existingEmail string
	var existingBucket int
	var existingID string
	var existingAt time.Time

	applied, err := r.client.Prepared.CreateEmailToUser.WithContext(ctx).
		Bind(user.Email, user.UserBucket, user.UserID, user.CreatedAt).
		ScanCAS(&existingEmail, &existingBucket, &existingID, &existingAt)
	if err != nil {
		return false, fmt.Errorf("failed to reserve email: %w", err)
	}
	return applied, nil
}

func (r *scyllaUserRepository) reserveRegNo(ctx context.Context, user *model.User) (bool, error) {
	var existingRegNo string
	var existingBucket int
	var existingID string
	var existingAt time.Time

	applied, err := r.client.Prepared.CreateRegNoToUser.WithContext(ctx).
		Bind(user.Vendor.BusinessRegNo, user.UserBucket, user.UserID, user.CreatedAt).
		ScanCAS(&existingRegNo, &existingBucket, &existingID, &existingAt)
	if err != nil {
		return false, fmt.Errorf("failed to reserve business registration number: %w", err)
	}
	return applied, nil
}

func (r *scyllaUserRepository) releaseEmail(ctx context.Context, email string) {
	if err := r.client.Query(`DELETE FROM email_to_user WHERE email = ?`, email).
		WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release email reservation",
			zap.String("email", email),
			zap.Error(err))
	}
}

func (r *scyllaUserRepository) releaseRegNo(ctx context.Context, regNo string) {
	if err := r.client.Query(`DELETE FROM business_regno_to_user WHERE business_regno = ?`, regNo).
		WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release business registration reservation",
			zap.String("business_regno", regNo),
			zap.Error(err))
	}
}

func marshalAddresses(addresses []model.Address) ([]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, string(data))
	}
	return out, nil
}

func unmarshalAddresses(raw []string) ([]model.Address, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]model.Address, 0, len(raw))
	for _, s := range raw {
		var a model.Address
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
