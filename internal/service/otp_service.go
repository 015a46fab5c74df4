package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/repository/redis"
	"github.com/veloura/auth-service/internal/util"
)

// OTPService owns the verification-code state machine. A subject moves
// ELIGIBLE -> COOLDOWN on every issued code, and can land in one of two
// lockouts: LOCKED after repeated wrong codes, SPAM_LOCKED after requesting
// too many codes inside the counting window. All state lives in Redis and
// expires on its own.
type OTPService struct {
	cache *redis.OTPCache
	cfg   config.OTPConfig
}

func NewOTPService(cache *redis.OTPCache, cfg config.OTPConfig) *OTPService {
	return &OTPService{
		cache: cache,
		cfg:   cfg,
	}
}

// Generate issues a fresh code for the subject after walking the gates in
// order: attempt lock, spam lock, cooldown. The check-then-act runs under a
// short per-subject mutex so two concurrent requests cannot both pass.
func (s *OTPService) Generate(ctx context.Context, subject string) (string, error) {
	acquired, err := s.cache.AcquireSubjectMutex(ctx, subject, s.cfg.SubjectMutex)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrSubjectBusy
	}
	defer s.cache.ReleaseSubjectMutex(ctx, subject)

	if remaining, err := s.cache.LockRemaining(ctx, subject); err != nil {
		return "", err
	} else if remaining > 0 {
		return "", retryAfter(ErrOTPLocked, remaining)
	}

	if remaining, err := s.cache.SpamLockRemaining(ctx, subject); err != nil {
		return "", err
	} else if remaining > 0 {
		return "", retryAfter(ErrOTPSpamLocked, remaining)
	}

	if remaining, err := s.cache.CooldownRemaining(ctx, subject); err != nil {
		return "", err
	} else if remaining > 0 {
		return "", retryAfter(ErrOTPCooldown, remaining)
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}

	if err := s.cache.SetOTP(ctx, subject, code, s.cfg.TTL); err != nil {
		return "", err
	}
	if err := s.cache.SetCooldown(ctx, subject, s.cfg.Cooldown); err != nil {
		return "", err
	}

	util.Info("Verification code issued",
		zap.String("subject", subject),
		zap.Duration("ttl", s.cfg.TTL))

	return code, nil
}

// Verify consumes the pending code. The lock check runs before the code
// comparison so a locked subject fails even with the right code. A mismatch
// short of the attempt cap returns (false, nil); the cap itself locks the
// subject and discards the pending code. Codes are compared as strings.
// The whole read-compare-clear sequence runs under the per-subject mutex so
// one issued code can be consumed at most once.
func (s *OTPService) Verify(ctx context.Context, subject, code string) (bool, error) {
	acquired, err := s.cache.AcquireSubjectMutex(ctx, subject, s.cfg.SubjectMutex)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, ErrSubjectBusy
	}
	defer s.cache.ReleaseSubjectMutex(ctx, subject)

	if remaining, err := s.cache.LockRemaining(ctx, subject); err != nil {
		return false, err
	} else if remaining > 0 {
		return false, retryAfter(ErrOTPLocked, remaining)
	}

	stored, err := s.cache.GetOTP(ctx, subject)
	if err != nil {
		if errors.Is(err, redis.ErrNoOTP) {
			return false, ErrOTPExpired
		}
		return false, err
	}

	if stored != code {
		attempts, err := s.cache.IncrementAttempts(ctx, subject, s.cfg.LockDuration)
		if err != nil {
			return false, err
		}
		if attempts >= s.cfg.MaxAttempts {
			if err := s.cache.SetLock(ctx, subject, s.cfg.LockDuration); err != nil {
				return false, err
			}
			if err := s.cache.DeleteOTP(ctx, subject); err != nil {
				return false, err
			}
			util.Warn("Subject locked after failed verification attempts",
				zap.String("subject", subject),
				zap.Int("attempts", attempts))
			return false, retryAfter(ErrTooManyAttempts, s.cfg.LockDuration)
		}
		return false, nil
	}

	if err := s.cache.ClearVerificationState(ctx, subject); err != nil {
		return false, err
	}

	util.Info("Verification code accepted", zap.String("subject", subject))
	return true, nil
}

// CheckRequestAllowance enforces the per-address issuance limit. Crossing
// the limit inside the counting window spam-locks the address for the full
// window.
func (s *OTPService) CheckRequestAllowance(ctx context.Context, email string) error {
	acquired, err := s.cache.AcquireSubjectMutex(ctx, email, s.cfg.SubjectMutex)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrSubjectBusy
	}
	defer s.cache.ReleaseSubjectMutex(ctx, email)

	if remaining, err := s.cache.SpamLockRemaining(ctx, email); err != nil {
		return err
	} else if remaining > 0 {
		return retryAfter(ErrOTPSpamLocked, remaining)
	}

	count, err := s.cache.IncrementRequestCount(ctx, email, s.cfg.SpamLock)
	if err != nil {
		return err
	}
	if count > s.cfg.MaxRequests {
		if err := s.cache.SetSpamLock(ctx, email, s.cfg.SpamLock); err != nil {
			return err
		}
		util.Warn("Address spam-locked for excessive OTP requests",
			zap.String("email", email),
			zap.Int("requests", count))
		return retryAfter(ErrTooManyRequests, s.cfg.SpamLock)
	}

	return nil
}

func retryAfter(sentinel error, wait time.Duration) error {
	return fmt.Errorf("%w, try again in %s", sentinel, wait.Round(time.Second))
}

// generateCode draws a uniform 4-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+1000), nil
}
