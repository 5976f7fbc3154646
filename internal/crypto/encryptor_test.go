package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewSecretEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantError bool
	}{
		{
			name:      "valid key",
			key:       "test-encryption-key-32-bytes!!",
			wantError: false,
		},
		{
			name:      "short key",
			key:       "short",
			wantError: false, // PBKDF2 derives a full key regardless
		},
		{
			name:      "long key",
			key:       strings.Repeat("a", 64),
			wantError: false,
		},
		{
			name:      "empty key",
			key:       "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encryptor, err := NewSecretEncryptor(tt.key)

			if tt.wantError {
				if err == nil {
					t.Errorf("NewSecretEncryptor() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("NewSecretEncryptor() unexpected error = %v", err)
				return
			}

			if len(encryptor.key) != 32 {
				t.Errorf("NewSecretEncryptor() key length = %d, want 32", len(encryptor.key))
			}
		})
	}
}

func TestSecretEncryptor_RoundTrip(t *testing.T) {
	encryptor, err := NewSecretEncryptor("test-encryption-key-32-bytes!!")
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	testCases := []string{
		"client-secret-123",
		"",
		`{"client_id": "abc", "client_secret": "def"}`,
		"unicode: こんにちは",
		strings.Repeat("refresh-token-material ", 100),
		"newlines\nand\ttabs\rhere",
	}

	for _, plaintext := range testCases {
		ciphertext, err := encryptor.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}

		if plaintext != "" && ciphertext == plaintext {
			t.Errorf("Encrypt() ciphertext equals plaintext")
		}

		decrypted, err := encryptor.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}

		if decrypted != plaintext {
			t.Errorf("Round trip failed: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestSecretEncryptor_DecryptInvalidData(t *testing.T) {
	encryptor, err := NewSecretEncryptor("test-encryption-key-32-bytes!!")
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	tests := []struct {
		name       string
		ciphertext string
		wantError  bool
	}{
		{
			name:       "empty string",
			ciphertext: "",
			wantError:  false,
		},
		{
			name:       "invalid base64",
			ciphertext: "not-base64!@#$",
			wantError:  true,
		},
		{
			name:       "too short ciphertext",
			ciphertext: base64.StdEncoding.EncodeToString([]byte("abc")),
			wantError:  true,
		},
		{
			name:       "corrupted ciphertext",
			ciphertext: base64.StdEncoding.EncodeToString(make([]byte, 50)),
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := encryptor.Decrypt(tt.ciphertext)

			if tt.wantError && err == nil {
				t.Errorf("Decrypt() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("Decrypt() unexpected error = %v", err)
			}
		})
	}
}

func TestSecretEncryptor_DifferentKeys(t *testing.T) {
	encryptor1, err := NewSecretEncryptor("key1-32-bytes-long-for-testing!")
	if err != nil {
		t.Fatalf("Failed to create encryptor1: %v", err)
	}

	encryptor2, err := NewSecretEncryptor("key2-32-bytes-long-for-testing!")
	if err != nil {
		t.Fatalf("Failed to create encryptor2: %v", err)
	}

	ciphertext, err := encryptor1.Encrypt("secret data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := encryptor2.Decrypt(ciphertext); err == nil {
		t.Errorf("Decrypt() with different key should fail but didn't")
	}
}

func TestSecretEncryptor_EncryptionIsRandom(t *testing.T) {
	encryptor, err := NewSecretEncryptor("test-encryption-key-32-bytes!!")
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	first, err := encryptor.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	second, err := encryptor.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first == second {
		t.Errorf("Encryption should produce distinct ciphertexts for the same input")
	}
}

func TestSecretEncryptor_JSONRoundTrip(t *testing.T) {
	encryptor, err := NewSecretEncryptor("test-encryption-key-32-bytes!!")
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	type oauthSecret struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		RefreshToken string `json:"refresh_token,omitempty"`
	}

	original := oauthSecret{
		ClientID:     "client-abc",
		ClientSecret: "s3cret",
		RefreshToken: "rt-xyz",
	}

	encrypted, err := encryptor.EncryptJSON(original)
	if err != nil {
		t.Fatalf("EncryptJSON() failed: %v", err)
	}

	var decoded oauthSecret
	if err := encryptor.DecryptJSON(encrypted, &decoded); err != nil {
		t.Fatalf("DecryptJSON() failed: %v", err)
	}

	if decoded != original {
		t.Errorf("DecryptJSON() = %+v, want %+v", decoded, original)
	}
}

func TestSecretEncryptor_DecryptJSONEmptyPayload(t *testing.T) {
	encryptor, err := NewSecretEncryptor("test-encryption-key-32-bytes!!")
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	var out map[string]string
	if err := encryptor.DecryptJSON("", &out); err == nil {
		t.Errorf("DecryptJSON() empty ciphertext should fail")
	}
}
