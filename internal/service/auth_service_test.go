package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/veloura/auth-service/internal/audit"
	"github.com/veloura/auth-service/internal/bucketing"
	"github.com/veloura/auth-service/internal/client"
	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/credential"
	"github.com/veloura/auth-service/internal/encryption"
	"github.com/veloura/auth-service/internal/model"
	redisrepo "github.com/veloura/auth-service/internal/repository/redis"
	"github.com/veloura/auth-service/internal/repository/scylla"
)

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]string
	byRegNo map[string]string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]string),
		byRegNo: make(map[string]string),
	}
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[user.Email]; ok {
		return scylla.ErrEmailTaken
	}
	if user.Vendor != nil {
		if _, ok := f.byRegNo[user.Vendor.BusinessRegNo]; ok {
			return scylla.ErrRegNoTaken
		}
	}
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	f.byID[user.UserID] = user
	f.byEmail[user.Email] = user.UserID
	if user.Vendor != nil {
		f.byRegNo[user.Vendor.BusinessRegNo] = user.UserID
	}
	return nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[userID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEmail[email]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	clone := *f.byID[id]
	return &clone, nil
}

func (f *fakeUserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byEmail[email]
	return ok, nil
}

func (f *fakeUserRepo) BusinessRegNoExists(ctx context.Context, regNo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byRegNo[regNo]
	return ok, nil
}

func (f *fakeUserRepo) MarkVerified(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[userID]
	if !ok {
		return scylla.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.IsVerified = true
	user.VerifiedAt = &now
	return nil
}

func (f *fakeUserRepo) UpdateLastLogin(ctx context.Context, userID string, loginAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.byID[userID]; ok {
		user.LastLogin = &loginAt
	}
	return nil
}

func (f *fakeUserRepo) HealthCheck(ctx context.Context) error { return nil }

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string
	lastCode string
	lastURL  string
	fail     bool
}

func (m *fakeMailer) SendVerificationEmail(to, firstName, verifyURL, otp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp: connection refused")
	}
	m.sent = append(m.sent, to)
	m.lastCode = otp
	m.lastURL = verifyURL
	return nil
}

func newTestAuthService(t *testing.T) (*AuthService, *fakeUserRepo, *fakeMailer, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.OTP = testOTPConfig()
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.TTL = 7 * 24 * time.Hour
	cfg.KMS.Enabled = false
	cfg.Bucketing.UserBuckets = 64
	cfg.Bucketing.EventBuckets = 16

	repo := newFakeUserRepo()
	mailer := &fakeMailer{}
	otp := NewOTPService(redisrepo.NewOTPCache(client.NewRedisClientFromRaw(rdb)), cfg.OTP)
	recorder := audit.NewRecorder(nil, nil, bucketing.NewBucketingManager(cfg))
	t.Cleanup(recorder.Close)

	svc := NewAuthService(
		repo,
		otp,
		credential.NewCodec(cfg),
		encryption.NewEncryptionManager(cfg, nil),
		mailer,
		recorder,
		"https://shop.example",
	)
	return svc, repo, mailer, mr
}

func customerReq() *CustomerRegisterRequest {
	return &CustomerRegisterRequest{
		Email:     "Jamie.Doe@Example.com",
		Password:  "correct-horse-battery",
		FirstName: "Jamie",
		LastName:  "Doe",
		Phone:     "+49 151 23456789",
		Addresses: []model.Address{
			{Label: "home", Street: "1 Main St", City: "Berlin", Country: "DE"},
		},
	}
}

func vendorReq() *VendorRegisterRequest {
	return &VendorRegisterRequest{
		Email:         "shop@example.com",
		Password:      "correct-horse-battery",
		FirstName:     "Sam",
		LastName:      "Chen",
		BusinessName:  "Chen Ceramics",
		BusinessRegNo: "HRB-12345",
		Website:       "https://ceramics.example",
	}
}

func TestRegisterCustomer(t *testing.T) {
	svc, repo, mailer, _ := newTestAuthService(t)
	ctx := context.Background()

	result, err := svc.RegisterCustomer(ctx, customerReq())
	if err != nil {
		t.Fatalf("RegisterCustomer: %v", err)
	}

	user := result.User
	if user.IsVerified {
		t.Error("new account must start unverified")
	}
	if user.Email != "jamie.doe@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.Role != model.RoleCustomer {
		t.Errorf("role = %q", user.Role)
	}
	if user.PasswordHash == "" || user.PasswordHash == "correct-horse-battery" {
		t.Error("password not hashed")
	}
	if len(user.PhoneEncrypted) == 0 || len(user.PhoneDEK) == 0 {
		t.Error("phone not envelope-encrypted")
	}

	// Exactly one challenge mail went out, carrying a 4-digit code and a
	// link that embeds the user id.
	if len(mailer.sent) != 1 {
		t.Fatalf("mailer sent %d messages", len(mailer.sent))
	}
	if len(mailer.lastCode) != 4 {
		t.Errorf("code %q is not 4 digits", mailer.lastCode)
	}
	if !strings.Contains(mailer.lastURL, user.UserID) {
		t.Errorf("verify URL %q does not embed the user id", mailer.lastURL)
	}

	// The token decodes to exactly the claims it was issued with.
	codec := credential.NewCodec(&config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", TTL: 7 * 24 * time.Hour},
	})
	claims, err := codec.ParseToken(result.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != user.UserID || claims.Email != user.Email || claims.Role != "CUSTOMER" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := repo.GetUserByID(ctx, user.UserID); err != nil {
		t.Errorf("record not persisted: %v", err)
	}
}

func TestRegisterCustomerDuplicateEmail(t *testing.T) {
	svc, _, _, mr := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RegisterCustomer(ctx, customerReq()); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(61 * time.Second)

	if _, err := svc.RegisterCustomer(ctx, customerReq()); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestRegisterVendorDuplicateRegNo(t *testing.T) {
	svc, _, _, mr := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RegisterVendor(ctx, vendorReq()); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(61 * time.Second)

	second := vendorReq()
	second.Email = "other@example.com"
	if _, err := svc.RegisterVendor(ctx, second); !errors.Is(err, ErrRegNoExists) {
		t.Fatalf("expected ErrRegNoExists, got %v", err)
	}
}

func TestRegisterEmailFailureKeepsRecord(t *testing.T) {
	svc, repo, mailer, _ := newTestAuthService(t)
	mailer.fail = true
	ctx := context.Background()

	_, err := svc.RegisterCustomer(ctx, customerReq())
	if !errors.Is(err, ErrEmailDelivery) {
		t.Fatalf("expected ErrEmailDelivery, got %v", err)
	}

	// The unverified record survives so the client can use resend.
	user, err := repo.GetUserByEmail(ctx, "jamie.doe@example.com")
	if err != nil {
		t.Fatalf("record rolled back: %v", err)
	}
	if user.IsVerified {
		t.Error("record should be unverified")
	}
}

func TestConfirmVerificationWithCode(t *testing.T) {
	svc, repo, mailer, _ := newTestAuthService(t)
	ctx := context.Background()

	result, err := svc.RegisterCustomer(ctx, customerReq())
	if err != nil {
		t.Fatal(err)
	}

	user, err := svc.ConfirmVerification(ctx, result.User.UserID, mailer.lastCode)
	if err != nil {
		t.Fatalf("ConfirmVerification: %v", err)
	}
	if !user.IsVerified || user.VerifiedAt == nil {
		t.Error("account not verified")
	}

	stored, _ := repo.GetUserByID(ctx, user.UserID)
	if !stored.IsVerified {
		t.Error("verified flag not persisted")
	}

	// VERIFIED is terminal.
	if _, err := svc.ConfirmVerification(ctx, result.User.UserID, mailer.lastCode); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestConfirmVerificationTokenOnly(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	result, err := svc.RegisterCustomer(ctx, customerReq())
	if err != nil {
		t.Fatal(err)
	}

	user, err := svc.ConfirmVerification(ctx, result.User.UserID, "")
	if err != nil {
		t.Fatalf("token-only verification: %v", err)
	}
	if !user.IsVerified {
		t.Error("account not verified")
	}
}

func TestConfirmVerificationBadInputs(t *testing.T) {
	svc, _, mailer, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.ConfirmVerification(ctx, "no-such-user", "1234"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	result, err := svc.RegisterCustomer(ctx, customerReq())
	if err != nil {
		t.Fatal(err)
	}

	bad := wrongCode(mailer.lastCode)
	if _, err := svc.ConfirmVerification(ctx, result.User.UserID, bad); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}

	// The correct code still works after one mismatch.
	if _, err := svc.ConfirmVerification(ctx, result.User.UserID, mailer.lastCode); err != nil {
		t.Fatalf("verification after one mismatch: %v", err)
	}
}

func TestResendVerification(t *testing.T) {
	svc, _, mailer, mr := newTestAuthService(t)
	ctx := context.Background()

	if err := svc.ResendVerification(ctx, "unknown@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	result, err := svc.RegisterCustomer(ctx, customerReq())
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(61 * time.Second)

	// Second challenge within the hour is the last one allowed.
	if err := svc.ResendVerification(ctx, "jamie.doe@example.com"); err != nil {
		t.Fatalf("first resend: %v", err)
	}
	if len(mailer.sent) != 2 {
		t.Fatalf("mailer sent %d messages, want 2", len(mailer.sent))
	}
	mr.FastForward(61 * time.Second)

	// The third request inside the window spam-locks the address.
	if err := svc.ResendVerification(ctx, "jamie.doe@example.com"); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}

	// A verified account refuses resend outright.
	if _, err := svc.ConfirmVerification(ctx, result.User.UserID, mailer.lastCode); err != nil {
		t.Fatal(err)
	}
	if err := svc.ResendVerification(ctx, "jamie.doe@example.com"); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RegisterCustomer(ctx, customerReq()); err != nil {
		t.Fatal(err)
	}

	result, err := svc.Login(ctx, &LoginRequest{
		Email:    "jamie.doe@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token == "" {
		t.Error("no token issued")
	}

	_, err = svc.Login(ctx, &LoginRequest{
		Email:    "jamie.doe@example.com",
		Password: "wrong-password",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}

	_, err = svc.Login(ctx, &LoginRequest{
		Email:    "nobody@example.com",
		Password: "correct-horse-battery",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}
