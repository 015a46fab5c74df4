package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/client"
	"github.com/veloura/auth-service/internal/util"
)

const (
	otpPrefix         = "otp:"
	otpAttemptPrefix  = "otp_attempts:"
	otpLockPrefix     = "otp_lock:"
	otpSpamLockPrefix = "otp_spam_lock:"
	otpCooldownPrefix = "otp_cooldown:"
	otpRequestPrefix  = "otp_requests:"
	otpMutexPrefix    = "otp_mutex:"
)

// ErrNoOTP is returned when no code is pending for the subject.
var ErrNoOTP = errors.New("no OTP found for subject")

// OTPCache holds all per-subject verification state: the pending code, the
// failed-attempt counter, the two lockout markers, the resend cooldown and
// the hourly request counter. Every key carries a TTL so abandoned flows
// clean themselves up.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func (c *OTPCache) SetOTP(ctx context.Context, subject, code string, ttl time.Duration) error {
	key := otpPrefix + subject
	if err := c.client.Set(ctx, key, code, ttl); err != nil {
		util.Error("Failed to set OTP in cache", zap.String("subject", subject), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set OTP in cache: %w", err)
	}
	util.Debug("OTP cached successfully", zap.String("subject", subject), zap.Duration("ttl", ttl))
	return nil
}

func (c *OTPCache) GetOTP(ctx context.Context, subject string) (string, error) {
	key := otpPrefix + subject

	code, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrNoOTP
		}
		util.Error("Failed to get OTP from cache",
			zap.String("subject", subject),
			zap.Error(err))
		return "", fmt.Errorf("failed to get OTP from cache: %w", err)
	}

	return code, nil
}

func (c *OTPCache) DeleteOTP(ctx context.Context, subject string) error {
	key := otpPrefix + subject

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to delete OTP from cache",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to delete OTP from cache: %w", err)
	}

	util.Debug("OTP deleted from cache",
		zap.String("subject", subject))

	return nil
}

// IncrementAttempts bumps the failed-verify counter. The counter expires
// together with the lockout window so a stale counter cannot outlive the
// punishment it triggered.
func (c *OTPCache) IncrementAttempts(ctx context.Context, subject string, ttl time.Duration) (int, error) {
	key := otpAttemptPrefix + subject

	count, err := c.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment OTP attempts",
			zap.String("subject", subject),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	util.Debug("OTP attempts incremented",
		zap.String("subject", subject),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *OTPCache) ResetAttempts(ctx context.Context, subject string) error {
	key := otpAttemptPrefix + subject

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to reset OTP attempts",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to reset OTP attempts: %w", err)
	}

	util.Debug("OTP attempts reset",
		zap.String("subject", subject))

	return nil
}

func (c *OTPCache) SetLock(ctx context.Context, subject string, ttl time.Duration) error {
	key := otpLockPrefix + subject

	if err := c.client.Set(ctx, key, "locked", ttl); err != nil {
		util.Error("Failed to set OTP lock",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to set OTP lock: %w", err)
	}

	util.Debug("OTP lock set",
		zap.String("subject", subject),
		zap.Duration("ttl", ttl))

	return nil
}

// LockRemaining returns how long the failed-attempts lock still holds,
// or zero when the subject is not locked.
func (c *OTPCache) LockRemaining(ctx context.Context, subject string) (time.Duration, error) {
	return c.remaining(ctx, otpLockPrefix+subject, "OTP lock")
}

func (c *OTPCache) SetSpamLock(ctx context.Context, subject string, ttl time.Duration) error {
	key := otpSpamLockPrefix + subject

	if err := c.client.Set(ctx, key, "locked", ttl); err != nil {
		util.Error("Failed to set OTP spam lock",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to set OTP spam lock: %w", err)
	}

	util.Debug("OTP spam lock set",
		zap.String("subject", subject),
		zap.Duration("ttl", ttl))

	return nil
}

// SpamLockRemaining returns how long the request-flood lock still holds,
// or zero when the subject is not spam-locked.
func (c *OTPCache) SpamLockRemaining(ctx context.Context, subject string) (time.Duration, error) {
	return c.remaining(ctx, otpSpamLockPrefix+subject, "OTP spam lock")
}

func (c *OTPCache) SetCooldown(ctx context.Context, subject string, ttl time.Duration) error {
	key := otpCooldownPrefix + subject

	if err := c.client.Set(ctx, key, "1", ttl); err != nil {
		util.Error("Failed to set OTP cooldown",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to set OTP cooldown: %w", err)
	}

	return nil
}

func (c *OTPCache) ClearCooldown(ctx context.Context, subject string) error {
	if err := c.client.Del(ctx, otpCooldownPrefix+subject); err != nil {
		return fmt.Errorf("failed to clear OTP cooldown: %w", err)
	}
	return nil
}

// CooldownRemaining returns how long until the subject may request the
// next code, or zero when no cooldown is active.
func (c *OTPCache) CooldownRemaining(ctx context.Context, subject string) (time.Duration, error) {
	return c.remaining(ctx, otpCooldownPrefix+subject, "OTP cooldown")
}

// IncrementRequestCount bumps the fixed-window issuance counter used for
// spam detection. The window starts with the first request.
func (c *OTPCache) IncrementRequestCount(ctx context.Context, subject string, window time.Duration) (int, error) {
	key := otpRequestPrefix + subject

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment OTP request count",
			zap.String("subject", subject),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP request count: %w", err)
	}

	return int(count), nil
}

// AcquireSubjectMutex takes a short advisory lock so concurrent requests
// for the same subject serialize their check-then-act sequences. It retries
// briefly before giving up.
func (c *OTPCache) AcquireSubjectMutex(ctx context.Context, subject string, ttl time.Duration) (bool, error) {
	key := otpMutexPrefix + subject

	for i := 0; i < 3; i++ {
		acquired, err := c.client.SetNX(ctx, key, "1", ttl)
		if err != nil {
			util.Error("Failed to acquire subject mutex",
				zap.String("subject", subject),
				zap.Error(err))
			return false, fmt.Errorf("failed to acquire subject mutex: %w", err)
		}
		if acquired {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}

	return false, nil
}

func (c *OTPCache) ReleaseSubjectMutex(ctx context.Context, subject string) {
	if err := c.client.Del(ctx, otpMutexPrefix+subject); err != nil {
		util.Warn("Failed to release subject mutex",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// ClearVerificationState removes the pending code, the attempt counter and
// the cooldown after a successful verify so the subject starts clean.
func (c *OTPCache) ClearVerificationState(ctx context.Context, subject string) error {
	if err := c.client.Del(ctx,
		otpPrefix+subject,
		otpAttemptPrefix+subject,
		otpCooldownPrefix+subject,
	); err != nil {
		util.Error("Failed to clear OTP verification state",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to clear OTP verification state: %w", err)
	}
	return nil
}

func (c *OTPCache) remaining(ctx context.Context, key, what string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		util.Error("Failed to check "+what,
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to check %s: %w", what, err)
	}
	if ttl <= 0 {
		// -2 means the key is gone, -1 means no expiry was set.
		return 0, nil
	}
	return ttl, nil
}
