package encryption

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"filemon/internal/config"
)

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()

	input := []byte("{\"id\":1}\n")
	var sealed bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(input), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), input) {
		t.Error("sealed output is identical to plaintext")
	}

	dc, err := e.Unlock("anything")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var plain bytes.Buffer
	if err := dc.Decrypt(&sealed, &plain); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(plain.Bytes(), input) {
		t.Errorf("Decrypt() = %q, want %q", plain.Bytes(), input)
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()

	if err := e.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := e.Setup("again"); !errors.Is(err, ErrKeysExist) {
		t.Errorf("second Setup() error = %v, want ErrKeysExist", err)
	}
	if _, err := e.Unlock("wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := e.Unlock("secret"); err != nil {
		t.Errorf("Unlock(secret) error = %v", err)
	}
}

func TestTestEncryptor_DecryptRejectsPlaintext(t *testing.T) {
	t.Parallel()
	dc, _ := NewTestEncryptor().Unlock("")

	if err := dc.Decrypt(strings.NewReader("plain text here"), &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() of unsealed data should return error")
	}
	if err := dc.Decrypt(strings.NewReader("x"), &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() of short data should return error")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		wantErr bool
		wantNil bool
	}{
		{"none", config.EncryptionConfig{Type: "none"}, false, true},
		{"empty type", config.EncryptionConfig{}, false, true},
		{"age", config.EncryptionConfig{Type: "age", PublicKeyPath: "/k.pub", PrivateKeyPath: "/k.key"}, false, false},
		{"age without key paths", config.EncryptionConfig{Type: "age"}, true, true},
		{"test", config.EncryptionConfig{Type: "test"}, false, false},
		{"unknown", config.EncryptionConfig{Type: "rot13"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("NewEncryptorFromConfig() returned nil = %v, wantNil %v", got == nil, tt.wantNil)
			}
		})
	}
}
