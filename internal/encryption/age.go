package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"

	"filemon/internal/config"
	"filemon/internal/filemon"
)

// AgeEncryptor seals archives for the configured X25519 public key.
// Writing archives needs only the public key, so a daemon can run without
// the passphrase; reading them back requires Unlock.
type AgeEncryptor struct {
	keys  keyPair
	armor bool

	mu        sync.Mutex
	recipient age.Recipient // Loaded on first Encrypt
}

var _ filemon.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates a new AgeEncryptor from configuration.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		keys:  keyPair{publicPath: cfg.PublicKeyPath, privatePath: cfg.PrivateKeyPath},
		armor: cfg.Armor,
	}
}

// Setup generates the key pair. It fails with ErrKeysExist if either key
// file is already present.
func (e *AgeEncryptor) Setup(passphrase string) error {
	return e.keys.generate(passphrase)
}

// Encrypt writes r sealed for the public key to w.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.loadRecipient()
	if err != nil {
		return err
	}

	dst := w
	var armored io.WriteCloser
	if e.armor {
		armored = armor.NewWriter(w)
		dst = armored
	}

	enc, err := age.Encrypt(dst, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if armored != nil {
		if err := armored.Close(); err != nil {
			return fmt.Errorf("finalizing armor: %w", err)
		}
	}
	return nil
}

func (e *AgeEncryptor) loadRecipient() (age.Recipient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recipient == nil {
		recipient, err := e.keys.recipient()
		if err != nil {
			return nil, err
		}
		e.recipient = recipient
	}
	return e.recipient, nil
}

// Unlock decrypts the private key with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (filemon.DecryptionContext, error) {
	identity, err := e.keys.unlock(passphrase)
	if err != nil {
		return nil, err
	}
	return &AgeDecryptionContext{identity: identity}, nil
}

// IsConfigured returns true if both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	return e.keys.exists()
}

// AgeDecryptionContext holds an unlocked age identity.
type AgeDecryptionContext struct {
	identity age.Identity
}

var _ filemon.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt reads binary or armored ciphertext from r and writes plaintext to w.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	src := io.Reader(br)
	if head, _ := br.Peek(len(armor.Header)); bytes.Equal(head, []byte(armor.Header)) {
		src = armor.NewReader(br)
	}

	dec, err := age.Decrypt(src, c.identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}
