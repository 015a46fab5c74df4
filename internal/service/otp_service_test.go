package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/veloura/auth-service/internal/client"
	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/repository/redis"
)

func testOTPConfig() config.OTPConfig {
	return config.OTPConfig{
		TTL:          300 * time.Second,
		Cooldown:     60 * time.Second,
		MaxAttempts:  3,
		LockDuration: 1800 * time.Second,
		SpamLock:     3600 * time.Second,
		MaxRequests:  2,
		BcryptCost:   4,
		SubjectMutex: 5 * time.Second,
	}
}

func newTestOTPService(t *testing.T) (*OTPService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := redis.NewOTPCache(client.NewRedisClientFromRaw(rdb))
	return NewOTPService(cache, testOTPConfig()), mr
}

func TestGenerateProducesFourDigitCode(t *testing.T) {
	svc, mr := newTestOTPService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		code, err := svc.Generate(ctx, "subject")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != 4 {
			t.Fatalf("code %q is not 4 digits", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			t.Fatalf("code %q is not numeric", code)
		}
		if n < 1000 || n > 9999 {
			t.Fatalf("code %d out of range", n)
		}
		mr.FastForward(61 * time.Second)
	}
}

func TestGenerateCooldownBlocksSecondRequest(t *testing.T) {
	svc, mr := newTestOTPService(t)
	ctx := context.Background()

	if _, err := svc.Generate(ctx, "subject"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Generate(ctx, "subject")
	if !errors.Is(err, ErrOTPCooldown) {
		t.Fatalf("expected ErrOTPCooldown, got %v", err)
	}

	mr.FastForward(61 * time.Second)

	if _, err := svc.Generate(ctx, "subject"); err != nil {
		t.Fatalf("Generate after cooldown: %v", err)
	}
}

func TestVerifyHappyPathClearsState(t *testing.T) {
	svc, _ := newTestOTPService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "subject")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := svc.Verify(ctx, "subject", code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("correct code rejected")
	}

	// Single use: the code is gone.
	if _, err := svc.Verify(ctx, "subject", code); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired on replay, got %v", err)
	}
}

func TestVerifyConcurrentCorrectCodeAcceptedOnce(t *testing.T) {
	svc, _ := newTestOTPService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "subject")
	if err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var accepted int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Verify(ctx, "subject", code)
			if ok {
				atomic.AddInt64(&accepted, 1)
				return
			}
			// Losers see the consumed code or a busy subject, never a
			// second acceptance.
			if !errors.Is(err, ErrOTPExpired) && !errors.Is(err, ErrSubjectBusy) {
				t.Errorf("loser got unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("code accepted %d times, want exactly once", accepted)
	}
}

func TestVerifyWithNoPendingCode(t *testing.T) {
	svc, _ := newTestOTPService(t)

	if _, err := svc.Verify(context.Background(), "never-challenged", "1234"); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	svc, mr := newTestOTPService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "subject")
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(301 * time.Second)

	if _, err := svc.Verify(ctx, "subject", code); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
}

func wrongCode(code string) string {
	if code == "1234" {
		return "4321"
	}
	return "1234"
}

func TestVerifyLocksAfterMaxAttempts(t *testing.T) {
	svc, _ := newTestOTPService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "subject")
	if err != nil {
		t.Fatal(err)
	}
	bad := wrongCode(code)

	// Two mismatches are tolerated.
	for i := 0; i < 2; i++ {
		ok, err := svc.Verify(ctx, "subject", bad)
		if err != nil {
			t.Fatalf("mismatch %d: unexpected error %v", i+1, err)
		}
		if ok {
			t.Fatal("wrong code accepted")
		}
	}

	// The third locks the subject.
	if _, err := svc.Verify(ctx, "subject", bad); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}

	// The fourth fails even with the correct code.
	if _, err := svc.Verify(ctx, "subject", code); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked with correct code, got %v", err)
	}

	// And issuing a new code is refused while locked.
	if _, err := svc.Generate(ctx, "subject"); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked on Generate, got %v", err)
	}
}

func TestLockExpiresAfterWindow(t *testing.T) {
	svc, mr := newTestOTPService(t)
	ctx := context.Background()

	code, _ := svc.Generate(ctx, "subject")
	bad := wrongCode(code)
	for i := 0; i < 3; i++ {
		svc.Verify(ctx, "subject", bad)
	}

	mr.FastForward(1801 * time.Second)

	if _, err := svc.Generate(ctx, "subject"); err != nil {
		t.Fatalf("Generate after lock expired: %v", err)
	}
}

func TestRequestAllowanceSpamLock(t *testing.T) {
	svc, mr := newTestOTPService(t)
	ctx := context.Background()

	// Two requests inside the hour are fine.
	for i := 0; i < 2; i++ {
		if err := svc.CheckRequestAllowance(ctx, "a@b.com"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	// The third spam-locks the address for the full window.
	if err := svc.CheckRequestAllowance(ctx, "a@b.com"); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
	if err := svc.CheckRequestAllowance(ctx, "a@b.com"); !errors.Is(err, ErrOTPSpamLocked) {
		t.Fatalf("expected ErrOTPSpamLocked, got %v", err)
	}

	// Lock message carries the wait duration.
	err := svc.CheckRequestAllowance(ctx, "a@b.com")
	if err == nil || !errors.Is(err, ErrOTPSpamLocked) {
		t.Fatalf("expected ErrOTPSpamLocked, got %v", err)
	}

	mr.FastForward(3601 * time.Second)

	if err := svc.CheckRequestAllowance(ctx, "a@b.com"); err != nil {
		t.Fatalf("allowance after spam lock expired: %v", err)
	}
}

func TestSpamLockBlocksGenerateForSameSubject(t *testing.T) {
	svc, _ := newTestOTPService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.CheckRequestAllowance(ctx, "subject")
	}

	if _, err := svc.Generate(ctx, "subject"); !errors.Is(err, ErrOTPSpamLocked) {
		t.Fatalf("expected ErrOTPSpamLocked, got %v", err)
	}
}

func TestRetryAfterMessageCarriesWait(t *testing.T) {
	svc, _ := newTestOTPService(t)
	ctx := context.Background()

	if _, err := svc.Generate(ctx, "subject"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Generate(ctx, "subject")
	if err == nil {
		t.Fatal("expected cooldown error")
	}
	if msg := err.Error(); !errors.Is(err, ErrOTPCooldown) || !containsDuration(msg) {
		t.Fatalf("error %q should name the wait duration", msg)
	}
}

func containsDuration(msg string) bool {
	for _, r := range msg {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
