// Package credentials stores and retrieves the provider API keys attached to
// a BillingConnection, encrypted at rest with AES-256-GCM.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const encryptedPrefix = "enc:"

// EncryptionService encrypts and decrypts billing-connection credentials
// using AES-256-GCM. It holds a current key and, during rotation, a previous
// key: Encrypt always uses the current key, Decrypt tries current then
// previous so connections re-encrypt lazily rather than in a single
// synchronous migration.
type EncryptionService struct {
	currentKey  []byte
	previousKey []byte
}

// NewEncryptionService builds an encryption service from the raw
// CREDENTIAL_ENCRYPTION_KEY / CREDENTIAL_ENCRYPTION_KEY_PREVIOUS values. A
// 64-character hex string is decoded directly as a 32-byte AES-256 key;
// anything else is run through PBKDF2 so operators can also supply a plain
// passphrase.
func NewEncryptionService(currentKey, previousKey string) (*EncryptionService, error) {
	if currentKey == "" {
		return nil, fmt.Errorf("current encryption key cannot be empty")
	}

	current, err := deriveKey(currentKey)
	if err != nil {
		return nil, fmt.Errorf("invalid current encryption key: %w", err)
	}

	svc := &EncryptionService{currentKey: current}

	if previousKey != "" {
		prev, err := deriveKey(previousKey)
		if err != nil {
			return nil, fmt.Errorf("invalid previous encryption key: %w", err)
		}
		svc.previousKey = prev
	}

	return svc, nil
}

func deriveKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	return pbkdf2.Key([]byte(raw), []byte("revback-credential-salt"), 100000, 32, sha256.New), nil
}

// Encrypt marshals credentials to JSON and encrypts them, returning
// "enc:<iv-b64>:<tag-b64>:<ciphertext-b64>".
func (e *EncryptionService) Encrypt(credentials interface{}) (string, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}

	block, err := aes.NewCipher(e.currentKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s%s:%s:%s",
		encryptedPrefix,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	), nil
}

// Decrypt parses an "enc:<iv>:<tag>:<ciphertext>" value, tries the current
// key and falls back to the previous key on auth failure, and unmarshals the
// plaintext JSON into output. A value without the enc: prefix is treated as
// legacy plaintext and unmarshaled directly, so already-seeded rows keep
// working across the format migration.
func (e *EncryptionService) Decrypt(stored string, output interface{}) error {
	if stored == "" {
		return fmt.Errorf("stored value is empty")
	}

	if !strings.HasPrefix(stored, encryptedPrefix) {
		return json.Unmarshal([]byte(stored), output)
	}

	parts := strings.SplitN(strings.TrimPrefix(stored, encryptedPrefix), ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed encrypted value")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("malformed iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("malformed tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("malformed ciphertext: %w", err)
	}
	sealed := append(ciphertext, tag...)

	plaintext, err := e.open(e.currentKey, iv, sealed)
	if err != nil && e.previousKey != nil {
		plaintext, err = e.open(e.previousKey, iv, sealed)
	}
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}

	if err := json.Unmarshal(plaintext, output); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted data: %w", err)
	}

	return nil
}

func (e *EncryptionService) open(key, iv, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, sealed, nil)
}

// DecryptToMap decrypts credentials to a generic map, useful when the
// provider's credential shape isn't known to the caller.
func (e *EncryptionService) DecryptToMap(stored string) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := e.Decrypt(stored, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateCredentialsStructure checks that the supplied credentials carry
// the fields the given provider's normalizer needs to call out to the
// provider's API or verify its signatures.
func ValidateCredentialsStructure(source string, credentials interface{}) error {
	jsonData, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("invalid credentials structure: %w", err)
	}

	switch source {
	case "stripe":
		var creds StripeCredentials
		if err := json.Unmarshal(jsonData, &creds); err != nil {
			return fmt.Errorf("invalid stripe credentials structure: %w", err)
		}
		if creds.WebhookSecret == "" {
			return fmt.Errorf("stripe credentials must include webhook_secret")
		}

	case "apple":
		var creds AppleCredentials
		if err := json.Unmarshal(jsonData, &creds); err != nil {
			return fmt.Errorf("invalid apple credentials structure: %w", err)
		}
		if creds.SharedSecret == "" && creds.BundleID == "" {
			return fmt.Errorf("apple credentials must include shared_secret or bundle_id")
		}

	case "google":
		var creds GoogleCredentials
		if err := json.Unmarshal(jsonData, &creds); err != nil {
			return fmt.Errorf("invalid google credentials structure: %w", err)
		}
		if creds.PackageName == "" {
			return fmt.Errorf("google credentials must include package_name")
		}

	case "recurly":
		var creds RecurlyCredentials
		if err := json.Unmarshal(jsonData, &creds); err != nil {
			return fmt.Errorf("invalid recurly credentials structure: %w", err)
		}
		if creds.SharedSecret == "" {
			return fmt.Errorf("recurly credentials must include shared_secret")
		}

	default:
		return fmt.Errorf("unsupported source: %s", source)
	}

	return nil
}
