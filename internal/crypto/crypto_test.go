package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	e, err := NewEncryptor([]byte("a-sufficiently-long-master-key"))
	if err != nil {
		t.Fatalf("NewEncryptor error = %v", err)
	}

	plaintext := []byte(`{"api_key":"sk-12345"}`)
	ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt error = %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1:") {
		t.Errorf("ciphertext %q missing version prefix", ciphertext)
	}
	if strings.Contains(ciphertext, "sk-12345") {
		t.Error("ciphertext leaks plaintext")
	}

	decrypted, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptor_NoncesDiffer(t *testing.T) {
	e, _ := NewEncryptor([]byte("a-sufficiently-long-master-key"))

	a, _ := e.Encrypt([]byte("same"))
	b, _ := e.Encrypt([]byte("same"))
	if a == b {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestEncryptor_WrongKeyFails(t *testing.T) {
	e1, _ := NewEncryptor([]byte("master-key-number-one-ok"))
	e2, _ := NewEncryptor([]byte("master-key-number-two-ok"))

	ciphertext, _ := e1.Encrypt([]byte("secret"))
	if _, err := e2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_InvalidInputs(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewEncryptor(short) error = %v, want ErrInvalidKey", err)
	}

	e, _ := NewEncryptor([]byte("a-sufficiently-long-master-key"))
	for _, bad := range []string{"", "nonsense", "v1:!!!", "v1:aGk="} {
		if _, err := e.Decrypt(bad); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", bad)
		}
	}
}

func TestEncryptor_Credentials(t *testing.T) {
	e, _ := NewEncryptor([]byte("a-sufficiently-long-master-key"))

	creds := map[string]string{"user": "svc", "password": "hunter2"}
	blob, err := e.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials error = %v", err)
	}

	decrypted, err := e.DecryptCredentials(blob)
	if err != nil {
		t.Fatalf("DecryptCredentials error = %v", err)
	}
	if decrypted["password"] != "hunter2" || decrypted["user"] != "svc" {
		t.Errorf("DecryptCredentials = %v", decrypted)
	}
}
