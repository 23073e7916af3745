package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

const (
	ciphertextPrefix = "v1:"
	kdfIterations    = 4096
	keyLength        = 32
)

// Encryptor protects credentials at rest and in transit between the control
// plane and the engine. Used when sensitive context is resolved engine-side
// instead of being sent inline.
type Encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	key := deriveKey(masterKey)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

func deriveKey(masterKey []byte) []byte {
	return pbkdf2.Key(masterKey, []byte("linkflow-core"), kdfIterations, keyLength, sha256.New)
}

// Encrypt seals plaintext into "v1:" + base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return nil, ErrInvalidCiphertext
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := e.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptCredentials seals a credential map into one ciphertext blob.
func (e *Encryptor) EncryptCredentials(creds map[string]string) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return e.Encrypt(data)
}

// DecryptCredentials opens a credential blob produced by EncryptCredentials.
func (e *Encryptor) DecryptCredentials(ciphertext string) (map[string]string, error) {
	data, err := e.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return creds, nil
}
