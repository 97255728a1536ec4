package credentials

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionServiceRoundTrip(t *testing.T) {
	t.Run("encrypt and decrypt stripe credentials", func(t *testing.T) {
		enc, err := NewEncryptionService("test-master-key-32-characters-long!", "")
		require.NoError(t, err)

		creds := StripeCredentials{WebhookSecret: "whsec_test123"}

		stored, err := enc.Encrypt(creds)
		require.NoError(t, err)
		assert.Contains(t, stored, encryptedPrefix)

		var decrypted StripeCredentials
		require.NoError(t, enc.Decrypt(stored, &decrypted))
		assert.Equal(t, creds.WebhookSecret, decrypted.WebhookSecret)
	})

	t.Run("decrypt to map", func(t *testing.T) {
		enc, err := NewEncryptionService("test-master-key-32-characters-long!", "")
		require.NoError(t, err)

		creds := map[string]interface{}{
			"shared_secret": "test-secret",
			"bundle_id":     "com.example.app",
		}

		stored, err := enc.Encrypt(creds)
		require.NoError(t, err)

		result, err := enc.DecryptToMap(stored)
		require.NoError(t, err)
		assert.Equal(t, "test-secret", result["shared_secret"])
	})

	t.Run("hex key is used directly without pbkdf2 derivation", func(t *testing.T) {
		hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		enc, err := NewEncryptionService(hexKey, "")
		require.NoError(t, err)
		assert.Len(t, enc.currentKey, 32)
		decoded, err := hex.DecodeString(hexKey)
		require.NoError(t, err)
		assert.Equal(t, decoded, enc.currentKey)
	})

	t.Run("legacy plaintext without enc prefix still decodes", func(t *testing.T) {
		enc, err := NewEncryptionService("test-master-key-32-characters-long!", "")
		require.NoError(t, err)

		var result map[string]interface{}
		require.NoError(t, enc.Decrypt(`{"webhook_secret":"whsec_legacy"}`, &result))
		assert.Equal(t, "whsec_legacy", result["webhook_secret"])
	})
}

func TestEncryptionServiceKeyRotation(t *testing.T) {
	oldKey := "old-master-key-for-rotation-test!!"
	newKey := "new-master-key-for-rotation-test!!"

	oldService, err := NewEncryptionService(oldKey, "")
	require.NoError(t, err)

	creds := StripeCredentials{WebhookSecret: "whsec_rotated"}
	stored, err := oldService.Encrypt(creds)
	require.NoError(t, err)

	t.Run("new service with old key as previous can still decrypt", func(t *testing.T) {
		rotated, err := NewEncryptionService(newKey, oldKey)
		require.NoError(t, err)

		var decrypted StripeCredentials
		require.NoError(t, rotated.Decrypt(stored, &decrypted))
		assert.Equal(t, creds.WebhookSecret, decrypted.WebhookSecret)
	})

	t.Run("new service without previous key fails to decrypt old ciphertext", func(t *testing.T) {
		rotated, err := NewEncryptionService(newKey, "")
		require.NoError(t, err)

		var decrypted StripeCredentials
		err = rotated.Decrypt(stored, &decrypted)
		assert.Error(t, err)
	})
}

func TestValidateCredentialsStructure(t *testing.T) {
	t.Run("stripe requires webhook_secret", func(t *testing.T) {
		err := ValidateCredentialsStructure("stripe", StripeCredentials{})
		assert.Error(t, err)

		err = ValidateCredentialsStructure("stripe", StripeCredentials{WebhookSecret: "whsec_x"})
		assert.NoError(t, err)
	})

	t.Run("recurly requires shared_secret", func(t *testing.T) {
		err := ValidateCredentialsStructure("recurly", RecurlyCredentials{})
		assert.Error(t, err)
	})

	t.Run("unsupported source is rejected", func(t *testing.T) {
		err := ValidateCredentialsStructure("paypal", map[string]string{})
		assert.Error(t, err)
	})
}
