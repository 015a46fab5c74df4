package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/audit"
	"github.com/veloura/auth-service/internal/credential"
	"github.com/veloura/auth-service/internal/email"
	"github.com/veloura/auth-service/internal/encryption"
	"github.com/veloura/auth-service/internal/model"
	"github.com/veloura/auth-service/internal/repository/scylla"
	"github.com/veloura/auth-service/internal/util"
)

// CustomerRegisterRequest carries a storefront sign-up.
type CustomerRegisterRequest struct {
	Email     string          `json:"email" validate:"required,email"`
	Password  string          `json:"password" validate:"required,min=8,max=128"`
	FirstName string          `json:"first_name" validate:"required,min=1,max=100"`
	LastName  string          `json:"last_name" validate:"required,min=1,max=100"`
	Phone     string          `json:"phone,omitempty" validate:"omitempty,min=5,max=32"`
	Addresses []model.Address `json:"addresses,omitempty" validate:"omitempty,dive"`
}

// VendorRegisterRequest carries a merchant sign-up. The business
// registration number is unique platform-wide.
type VendorRegisterRequest struct {
	Email         string   `json:"email" validate:"required,email"`
	Password      string   `json:"password" validate:"required,min=8,max=128"`
	FirstName     string   `json:"first_name" validate:"required,min=1,max=100"`
	LastName      string   `json:"last_name" validate:"required,min=1,max=100"`
	Phone         string   `json:"phone,omitempty" validate:"omitempty,min=5,max=32"`
	BusinessName  string   `json:"business_name" validate:"required,min=1,max=200"`
	BusinessRegNo string   `json:"business_reg_no" validate:"required,min=1,max=64"`
	Description   string   `json:"description,omitempty" validate:"omitempty,max=2000"`
	Website       string   `json:"website,omitempty" validate:"omitempty,url"`
	SocialMedia   []string `json:"social_media,omitempty" validate:"omitempty,dive,url"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
	Code  string `json:"code,omitempty" validate:"omitempty,len=4,numeric"`
}

type ResendVerificationRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// AuthResult is returned by registration and login: the account record plus
// a freshly minted session token.
type AuthResult struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// AuthService orchestrates registration, login and email verification. It
// never touches cache keys directly; the OTP state machine and the user
// repository are its only collaborators for state.
type AuthService struct {
	userRepo scylla.UserRepository
	otp      *OTPService
	codec    *credential.Codec
	enc      *encryption.EncryptionManager
	mailer   email.Mailer
	audit    *audit.Recorder
	baseURL  string
}

func NewAuthService(
	userRepo scylla.UserRepository,
	otp *OTPService,
	codec *credential.Codec,
	enc *encryption.EncryptionManager,
	mailer email.Mailer,
	recorder *audit.Recorder,
	publicBaseURL string,
) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		otp:      otp,
		codec:    codec,
		enc:      enc,
		mailer:   mailer,
		audit:    recorder,
		baseURL:  publicBaseURL,
	}
}

// RegisterCustomer creates an unverified customer account and challenges the
// address with a verification code.
func (s *AuthService) RegisterCustomer(ctx context.Context, req *CustomerRegisterRequest) (*AuthResult, error) {
	user := &model.User{
		Email:     util.NormalizeEmail(req.Email),
		FirstName: util.SanitizeInput(req.FirstName),
		LastName:  util.SanitizeInput(req.LastName),
		Role:      model.RoleCustomer,
		Addresses: req.Addresses,
	}
	return s.register(ctx, user, req.Password, req.Phone)
}

// RegisterVendor creates an unverified vendor account. On top of the email
// uniqueness check the business registration number must be unused.
func (s *AuthService) RegisterVendor(ctx context.Context, req *VendorRegisterRequest) (*AuthResult, error) {
	regNo := util.SanitizeInput(req.BusinessRegNo)

	exists, err := s.userRepo.BusinessRegNoExists(ctx, regNo)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrRegNoExists
	}

	user := &model.User{
		Email:     util.NormalizeEmail(req.Email),
		FirstName: util.SanitizeInput(req.FirstName),
		LastName:  util.SanitizeInput(req.LastName),
		Role:      model.RoleVendor,
		Vendor: &model.VendorProfile{
			BusinessName:  util.SanitizeInput(req.BusinessName),
			BusinessRegNo: regNo,
			Description:   util.SanitizeInput(req.Description),
			Website:       req.Website,
			SocialMedia:   req.SocialMedia,
		},
	}
	return s.register(ctx, user, req.Password, req.Phone)
}

func (s *AuthService) register(ctx context.Context, user *model.User, password, phone string) (*AuthResult, error) {
	exists, err := s.userRepo.EmailExists(ctx, user.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailExists
	}

	user.PasswordHash, err = s.codec.HashPassword(password)
	if err != nil {
		return nil, err
	}

	if phone != "" {
		field, err := s.enc.EncryptField(ctx, phone)
		if err != nil {
			return nil, err
		}
		user.PhoneEncrypted = field.Ciphertext
		user.PhoneDEK = field.EncryptedDEK
		user.PhoneKeyID = field.KeyID
	}

	if err := s.userRepo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, scylla.ErrEmailTaken) {
			return nil, ErrEmailExists
		}
		if errors.Is(err, scylla.ErrRegNoTaken) {
			return nil, ErrRegNoExists
		}
		return nil, err
	}

	s.emit(ctx, user, model.EventRegistered, true, "")

	if err := s.challenge(ctx, user); err != nil {
		// The unverified record stays; the client retries delivery through
		// the resend endpoint.
		return nil, err
	}

	token, err := s.codec.IssueToken(user)
	if err != nil {
		return nil, err
	}

	util.Info("Account registered",
		zap.String("user_id", user.UserID),
		zap.String("role", string(user.Role)))

	return &AuthResult{User: user, Token: token}, nil
}

// challenge runs the allowance check, issues a code and mails it.
func (s *AuthService) challenge(ctx context.Context, user *model.User) error {
	if err := s.otp.CheckRequestAllowance(ctx, user.Email); err != nil {
		if errors.Is(err, ErrTooManyRequests) || errors.Is(err, ErrOTPSpamLocked) {
			s.emit(ctx, user, model.EventOTPSpamLockout, false, err.Error())
		}
		return err
	}

	code, err := s.otp.Generate(ctx, user.UserID)
	if err != nil {
		return err
	}

	verifyURL := fmt.Sprintf("%s/verify-email?token=%s&code=%s",
		s.baseURL, url.QueryEscape(user.UserID), url.QueryEscape(code))

	if err := s.mailer.SendVerificationEmail(user.Email, user.FirstName, verifyURL, code); err != nil {
		return fmt.Errorf("%w: %v", ErrEmailDelivery, err)
	}

	s.emit(ctx, user, model.EventOTPIssued, true, "")
	return nil
}

// ConfirmVerification flips the account to verified. With a code the OTP
// state machine arbitrates; the token-only path (link click) skips it. The
// transition is one-way: an already verified account is rejected, never
// re-verified.
func (s *AuthService) ConfirmVerification(ctx context.Context, token, code string) (*model.User, error) {
	user, err := s.userRepo.GetUserByID(ctx, token)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if user.IsVerified {
		return nil, ErrAlreadyVerified
	}

	if code != "" {
		ok, err := s.otp.Verify(ctx, user.UserID, code)
		if err != nil {
			if errors.Is(err, ErrTooManyAttempts) || errors.Is(err, ErrOTPLocked) {
				s.emit(ctx, user, model.EventOTPLockout, false, err.Error())
			}
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidOTP
		}
	}

	if err := s.userRepo.MarkVerified(ctx, user.UserID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user.IsVerified = true
	user.VerifiedAt = &now

	s.emit(ctx, user, model.EventVerified, true, "")

	return user, nil
}

// ResendVerification re-challenges an unverified address.
func (s *AuthService) ResendVerification(ctx context.Context, reqEmail string) error {
	normalized := util.NormalizeEmail(reqEmail)

	user, err := s.userRepo.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if user.IsVerified {
		return ErrAlreadyVerified
	}

	return s.challenge(ctx, user)
}

// Login checks the password against the stored hash and mints a session
// token. Unknown address and wrong password are indistinguishable to the
// caller.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResult, error) {
	normalized := util.NormalizeEmail(req.Email)

	user, err := s.userRepo.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			s.emitLoginFailure(ctx, normalized, "unknown email")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.codec.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		s.emit(ctx, user, model.EventLoginFailed, false, "wrong password")
		return nil, ErrInvalidCredentials
	}

	token, err := s.codec.IssueToken(user)
	if err != nil {
		return nil, err
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.UserID, time.Now().UTC()); err != nil {
		util.Warn("Failed to record last login",
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}

	s.emit(ctx, user, model.EventLoginSucceeded, true, "")

	return &AuthResult{User: user, Token: token}, nil
}

func (s *AuthService) emit(ctx context.Context, user *model.User, eventType model.AuthEventType, success bool, reason string) {
	s.audit.Emit(&model.AuthEvent{
		UserID:   user.UserID,
		Email:    user.Email,
		Type:     eventType,
		Success:  success,
		Reason:   reason,
		RemoteIP: util.RemoteIP(ctx),
	})
}

func (s *AuthService) emitLoginFailure(ctx context.Context, emailAddr, reason string) {
	s.audit.Emit(&model.AuthEvent{
		Email:    emailAddr,
		Type:     model.EventLoginFailed,
		Success:  false,
		Reason:   reason,
		RemoteIP: util.RemoteIP(ctx),
	})
}
