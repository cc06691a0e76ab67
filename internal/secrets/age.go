// Package secrets decrypts the credential material of projects, such as
// package signing keys and SSH keys, with age.
package secrets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoRecipient is returned when no recipient is configured for encryption.
	ErrNoRecipient = errors.New("no recipient configured for encryption")
	// ErrNoIdentity is returned when encrypted material is read without an identity.
	ErrNoIdentity = errors.New("no identity configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

const binaryHeader = "age-encryption.org/"

// Config holds the keys of a Keyring.
type Config struct {
	// IdentityFile is an age identity file holding one or more
	// AGE-SECRET-KEY-1... lines.
	IdentityFile string
	// PrivateKey is an inline AGE-SECRET-KEY-1... identity.
	PrivateKey string
	// Recipient is an age1... public key used by Encrypt.
	Recipient string
}

// Keyring decrypts credential files. Files that are not age-encrypted are
// returned as they are.
type Keyring struct {
	identities []age.Identity
	recipient  age.Recipient
	logger     *slog.Logger
}

// NewKeyring creates a Keyring. An empty config is valid: such a keyring
// reads plaintext files only.
func NewKeyring(cfg Config, logger *slog.Logger) (*Keyring, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keyring{logger: logger.With("component", "secrets")}

	if cfg.IdentityFile != "" {
		f, err := os.Open(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("opening identity file: %w", err)
		}
		defer f.Close()
		ids, err := age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("%w: identity file %s: %v", ErrInvalidKey, cfg.IdentityFile, err)
		}
		k.identities = append(k.identities, ids...)
	}

	if cfg.PrivateKey != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		k.identities = append(k.identities, id)
	}

	if cfg.Recipient != "" {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.Recipient))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient: %v", ErrInvalidKey, err)
		}
		k.recipient = r
	}
	return k, nil
}

// CanDecrypt returns true if the keyring holds at least one identity.
func (k *Keyring) CanDecrypt() bool {
	return len(k.identities) > 0
}

// IsEncrypted reports whether data is an age file, armored or binary.
func IsEncrypted(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte(armor.Header)) || bytes.HasPrefix(trimmed, []byte(binaryHeader))
}

// Decrypt decrypts armored or binary age ciphertext.
func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if !k.CanDecrypt() {
		return nil, ErrNoIdentity
	}

	var src io.Reader = bytes.NewReader(bytes.TrimLeft(ciphertext, " \t\r\n"))
	if bytes.HasPrefix(bytes.TrimLeft(ciphertext, " \t\r\n"), []byte(armor.Header)) {
		src = armor.NewReader(src)
	}

	r, err := age.Decrypt(bufio.NewReader(src), k.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ReadFile returns the contents of a credential file, decrypted when it is
// age-encrypted. An empty path yields nil.
func (k *Keyring) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	if !IsEncrypted(data) {
		k.logger.Warn("credential file is not encrypted", "path", path)
		return data, nil
	}
	plaintext, err := k.Decrypt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	return plaintext, nil
}

// Encrypt encrypts plaintext to the configured recipient as an armored age
// file.
func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if k.recipient == nil {
		return nil, ErrNoRecipient
	}
	return EncryptTo(plaintext, k.recipient)
}

// EncryptTo encrypts plaintext to recipient as an armored age file.
func EncryptTo(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// GenerateKeyPair generates a new age key pair.
// Returns the public key (recipient) and private key (identity).
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
