package service

import (
	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/audit"
	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/credential"
	"github.com/veloura/auth-service/internal/email"
	"github.com/veloura/auth-service/internal/encryption"
	"github.com/veloura/auth-service/internal/repository/redis"
	"github.com/veloura/auth-service/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	userRepo scylla.UserRepository
	otpCache *redis.OTPCache
	codec    *credential.Codec
	enc      *encryption.EncryptionManager
	mailer   email.Mailer
	recorder *audit.Recorder
	logger   *zap.Logger

	otpService  *OTPService
	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	userRepo scylla.UserRepository,
	otpCache *redis.OTPCache,
	codec *credential.Codec,
	enc *encryption.EncryptionManager,
	mailer email.Mailer,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		userRepo: userRepo,
		otpCache: otpCache,
		codec:    codec,
		enc:      enc,
		mailer:   mailer,
		recorder: recorder,
		logger:   logger,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(f.otpCache, f.cfg.OTP)
	}
	return f.otpService
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.userRepo,
			f.OTPService(),
			f.codec,
			f.enc,
			f.mailer,
			f.recorder,
			f.cfg.PublicBaseURL,
		)
	}
	return f.authService
}

// Cleanup drains the audit pipeline.
func (f *ServiceFactory) Cleanup() {
	if f.recorder != nil {
		f.recorder.Close()
	}
}
