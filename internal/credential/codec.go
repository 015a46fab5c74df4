package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/model"
)

var (
	ErrPasswordMismatch = errors.New("password does not match")
	ErrInvalidToken     = errors.New("invalid token")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Codec hashes passwords and mints session tokens. The bcrypt cost and the
// signing secret come from configuration so tests can cheapen the hashing.
type Codec struct {
	bcryptCost int
	jwtSecret  []byte
	jwtTTL     time.Duration
}

func NewCodec(cfg *config.Config) *Codec {
	return &Codec{
		bcryptCost: cfg.OTP.BcryptCost,
		jwtSecret:  []byte(cfg.JWT.Secret),
		jwtTTL:     cfg.JWT.TTL,
	}
}

// HashPassword derives a bcrypt hash of the plaintext password. The
// plaintext is never logged or persisted.
func (c *Codec) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks the plaintext against the stored hash. Returns
// ErrPasswordMismatch on mismatch, never the raw bcrypt error.
func (c *Codec) VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// IssueToken mints a signed session token for an authenticated user.
func (c *Codec) IssueToken(user *model.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.UserID,
		Email:  user.Email,
		Role:   string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.jwtTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token and returns its claims.
func (c *Codec) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
