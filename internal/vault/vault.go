// Package vault provides authenticated encryption for connection secrets at
// rest. Values are protected with AES-256-GCM under a key derived from a
// process-wide master key via scrypt, so a leaked database dump is useless
// without the master key, and brute-forcing the master key stays expensive.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrMasterKeyRequired is returned when constructing a vault without a master key.
	ErrMasterKeyRequired = errors.New("encryption master key is required")
	// ErrAuthenticationFailed is returned when a blob fails tag verification
	// or is structurally unusable. Plaintext is never returned in that case.
	ErrAuthenticationFailed = errors.New("decryption authentication failed")
	// ErrMalformedBlob is returned when a blob is missing fields or carries
	// values that are not valid hex.
	ErrMalformedBlob = errors.New("malformed encrypted blob")
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// scrypt cost parameters. N=32768 keeps derivation deliberately slow.
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// EncryptedBlob is the four-field representation of an encrypted secret.
// All values are lowercase hex. This is the exact JSON shape persisted for
// every sensitive column.
type EncryptedBlob struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	AuthTag   string `json:"authTag"`
}

// Vault encrypts and decrypts secrets with a fixed master key. It holds no
// other state; the same (plaintext, master key) pair is safe to use from
// concurrent goroutines.
type Vault struct {
	masterKey []byte
}

// New creates a Vault. An empty master key is a configuration error and is
// rejected here, once, rather than on every call.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrMasterKeyRequired
	}
	return &Vault{masterKey: []byte(masterKey)}, nil
}

// deriveKey stretches the master key into a 32-byte AES key using scrypt.
func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	key, err := scrypt.Key(v.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with a fresh salt and nonce. Two calls with
// identical plaintext never produce identical output.
func (v *Vault) Encrypt(plaintext string) (*EncryptedBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	key, err := v.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Seal appends the 16-byte GCM tag to the ciphertext; split it back out
	// so the stored shape matches the four-field blob format.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return &EncryptedBlob{
		Encrypted: hex.EncodeToString(sealed[:tagStart]),
		IV:        hex.EncodeToString(nonce),
		Salt:      hex.EncodeToString(salt),
		AuthTag:   hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt re-derives the key from the blob's salt, decrypts, and verifies the
// authentication tag. Any mismatch or malformed input fails with
// ErrAuthenticationFailed; partially decrypted data is never returned.
func (v *Vault) Decrypt(blob *EncryptedBlob) (string, error) {
	if blob == nil {
		return "", fmt.Errorf("%w: nil blob", ErrMalformedBlob)
	}
	// Encrypted may legitimately be empty: sealing a zero-length plaintext
	// leaves only the tag. IV, salt and tag are always present in a valid blob.
	if blob.IV == "" || blob.Salt == "" || blob.AuthTag == "" {
		return "", fmt.Errorf("%w: missing fields", ErrMalformedBlob)
	}

	ciphertext, err := hex.DecodeString(blob.Encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext hex", ErrMalformedBlob)
	}
	nonce, err := hex.DecodeString(blob.IV)
	if err != nil {
		return "", fmt.Errorf("%w: invalid iv hex", ErrMalformedBlob)
	}
	salt, err := hex.DecodeString(blob.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: invalid salt hex", ErrMalformedBlob)
	}
	tag, err := hex.DecodeString(blob.AuthTag)
	if err != nil {
		return "", fmt.Errorf("%w: invalid auth tag hex", ErrMalformedBlob)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrMalformedBlob, nonceSize)
	}

	key, err := v.deriveKey(salt)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}

	return string(plaintext), nil
}

// EncryptString encrypts plaintext for database storage, returning the JSON
// blob. Empty or whitespace-only plaintext is stored as the empty sentinel,
// never as a blob.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	if strings.TrimSpace(plaintext) == "" {
		return "", nil
	}

	blob, err := v.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshaling blob: %w", err)
	}
	return string(data), nil
}

// DecryptString decrypts a stored JSON blob. The empty sentinel decrypts to
// the empty string.
func (v *Vault) DecryptString(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}

	var blob EncryptedBlob
	if err := json.Unmarshal([]byte(stored), &blob); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	return v.Decrypt(&blob)
}

// LooksEncrypted reports whether a stored value parses as a JSON object with
// the four expected blob keys. Used to distinguish legacy plaintext values
// from vault-protected ones during migration.
func LooksEncrypted(value string) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return false
	}
	for _, key := range []string{"encrypted", "iv", "salt", "authTag"} {
		if _, ok := raw[key]; !ok {
			return false
		}
	}
	return true
}

// GenerateMasterKey returns a fresh random master key for first-time setup.
// Run once and store the result in the environment.
func GenerateMasterKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
