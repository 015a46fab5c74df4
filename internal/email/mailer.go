package email

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/util"
)

// Mailer delivers transactional mail. The service layer depends on this
// interface so tests can swap in a recording fake.
type Mailer interface {
	SendVerificationEmail(to, firstName, verifyURL, otp string) error
}

type smtpMailer struct {
	config config.SMTPConfig
}

func NewSMTPMailer(cfg config.SMTPConfig) Mailer {
	return &smtpMailer{config: cfg}
}

func (s *smtpMailer) SendVerificationEmail(to, firstName, verifyURL, otp string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Verify your Veloura account")

	body := fmt.Sprintf(
		"Hi %s,\n\nYour verification code is: %s\n\nThis code will expire in 5 minutes.\n\n"+
			"You can also verify directly:\n\n%s\n\n"+
			"If you did not create a Veloura account, please ignore this email.",
		firstName, otp, verifyURL)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)

	if err := d.DialAndSend(m); err != nil {
		util.Error("Failed to send verification email",
			zap.String("to", to),
			zap.Error(err))
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	util.Info("Verification email sent", zap.String("to", to))
	return nil
}
