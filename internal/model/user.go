package model

import "time"

// Role enumerates the account roles recognized across the platform.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleVendor   Role = "VENDOR"
	RoleAdmin    Role = "ADMIN"
)

// ValidRole reports whether r is one of the known account roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleAdmin:
		return true
	}
	return false
}

// Address is a shipping/billing address attached to a customer account.
type Address struct {
	Label      string `json:"label" db:"label"`
	Street     string `json:"street" db:"street"`
	City       string `json:"city" db:"city"`
	PostalCode string `json:"postal_code,omitempty" db:"postal_code"`
	Country    string `json:"country" db:"country"`
}

// VendorProfile carries the vendor-only registration fields. BusinessRegNo is
// unique across the platform, enforced by a lookup-table pre-check.
type VendorProfile struct {
	BusinessName  string   `json:"business_name" db:"business_name"`
	BusinessRegNo string   `json:"business_reg_no" db:"business_reg_no"`
	Description   string   `json:"description,omitempty" db:"description"`
	Website       string   `json:"website,omitempty" db:"website"`
	SocialMedia   []string `json:"social_media,omitempty" db:"social_media"`
}

// User is the persisted account record. PasswordHash is written once at
// registration and never updated by the verification flow; IsVerified flips to
// true exactly once and never reverts.
type User struct {
	UserBucket   int    `json:"-" db:"user_bucket"`
	UserID       string `json:"id" db:"user_id"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"`
	FirstName    string `json:"first_name" db:"first_name"`
	LastName     string `json:"last_name" db:"last_name"`

	// Phone is stored envelope-encrypted; the plaintext never reaches disk.
	PhoneEncrypted []byte `json:"-" db:"phone_encrypted"`
	PhoneDEK       []byte `json:"-" db:"phone_dek"`
	PhoneKeyID     string `json:"-" db:"phone_key_id"`

	Role       Role      `json:"role" db:"role"`
	IsVerified bool      `json:"is_verified" db:"is_verified"`
	Addresses  []Address `json:"addresses,omitempty" db:"addresses"`

	Vendor *VendorProfile `json:"vendor,omitempty" db:"-"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	LastLogin  *time.Time `json:"last_login,omitempty" db:"last_login"`
}
