package service

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailExists        = errors.New("email already registered")
	ErrRegNoExists        = errors.New("business registration number already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid verification token")
	ErrAlreadyVerified    = errors.New("account already verified")
	ErrEmailDelivery      = errors.New("failed to deliver verification email")

	ErrInvalidOTP      = errors.New("invalid verification code")
	ErrOTPExpired      = errors.New("verification code expired")
	ErrOTPCooldown     = errors.New("verification code recently sent")
	ErrOTPLocked       = errors.New("verification locked")
	ErrOTPSpamLocked   = errors.New("verification requests blocked")
	ErrTooManyAttempts = errors.New("too many failed verification attempts")
	ErrTooManyRequests = errors.New("too many verification code requests")
	ErrSubjectBusy     = errors.New("verification already in progress")
)
