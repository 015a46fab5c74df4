package model

import "time"

// AuthEventType labels the security-relevant moments of the auth flow.
type AuthEventType string

const (
	EventRegistered     AuthEventType = "registered"
	EventVerified       AuthEventType = "verified"
	EventLoginSucceeded AuthEventType = "login_succeeded"
	EventLoginFailed    AuthEventType = "login_failed"
	EventOTPIssued      AuthEventType = "otp_issued"
	EventOTPLockout     AuthEventType = "otp_lockout"
	EventOTPSpamLockout AuthEventType = "otp_spam_lockout"
)

// AuthEvent is the record shipped to the audit pipeline (Kafka topic and
// ClickHouse archive). EventBucket partitions the archive table.
type AuthEvent struct {
	EventID     string        `json:"event_id"`
	EventBucket int           `json:"event_bucket"`
	UserID      string        `json:"user_id,omitempty"`
	Email       string        `json:"email,omitempty"`
	Type        AuthEventType `json:"type"`
	Success     bool          `json:"success"`
	Reason      string        `json:"reason,omitempty"`
	RemoteIP    string        `json:"remote_ip,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
