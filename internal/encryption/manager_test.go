package encryption

import (
	"context"
	"errors"
	"testing"

	"github.com/veloura/auth-service/internal/config"
)

func localManager() *EncryptionManager {
	cfg := &config.Config{}
	cfg.KMS.Enabled = false
	return NewEncryptionManager(cfg, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	field, err := em.EncryptField(ctx, "+49 151 23456789")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if len(field.Ciphertext) == 0 || len(field.EncryptedDEK) == 0 || field.KeyID == "" {
		t.Fatal("encrypted field is missing components")
	}

	plaintext, err := em.DecryptField(ctx, field)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if plaintext != "+49 151 23456789" {
		t.Errorf("got %q after round trip", plaintext)
	}
}

func TestDecryptUsesDEKCache(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	field, err := em.EncryptField(ctx, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if em.GetCacheSize() != 1 {
		t.Fatalf("cache size = %d after encrypt, want 1", em.GetCacheSize())
	}

	em.ClearCache()
	if em.GetCacheSize() != 0 {
		t.Fatal("cache not cleared")
	}

	// Decrypt repopulates the cache from the wrapped DEK.
	if _, err := em.DecryptField(ctx, field); err != nil {
		t.Fatalf("DecryptField after cache clear: %v", err)
	}
	if em.GetCacheSize() != 1 {
		t.Fatalf("cache size = %d after decrypt, want 1", em.GetCacheSize())
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	field, err := em.EncryptField(ctx, "payload")
	if err != nil {
		t.Fatal(err)
	}

	field.Ciphertext[len(field.Ciphertext)-1] ^= 0xFF
	if _, err := em.DecryptField(ctx, field); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptShortCiphertext(t *testing.T) {
	em := localManager()

	field, err := em.EncryptField(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	field.Ciphertext = field.Ciphertext[:4]
	em.ClearCache()

	if _, err := em.DecryptField(context.Background(), field); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}
