package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"chatcore/pkg/logx"
)

// Secrets file layout: [salt][nonce][ciphertext+tag], AES-256-GCM keyed by scrypt.
const (
	saltSize  = 16
	nonceSize = 12
	gcmTag    = 16
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keySize   = 32
)

// ErrWrongPassword is returned when a secrets file cannot be opened with the password.
var ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecretsFile writes secrets to path with mode 0600.
func EncryptSecretsFile(path, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	data := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTag)
	data = append(data, salt...)
	data = append(data, nonce...)
	data = gcm.Seal(data, nonce, plaintext, nil)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create secrets directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads secrets from path. Loose permissions are tightened to 0600.
func DecryptSecretsFile(path, password string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.Warnf("secrets file %s has mode %04o, fixing to 0600", path, info.Mode().Perm())
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTag {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}
	salt, nonce, ciphertext := data[:saltSize], data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// ApplySecrets fills credentials the file and environment left empty. Keys are the
// environment variable names, e.g. GEMINI_API_KEY or REDIS_PASSWORD.
func (c *Config) ApplySecrets(secrets map[string]string) {
	if c.LLM.APIKey == "" {
		if name := APIKeyEnv(c.LLM.Provider); name != "" {
			c.LLM.APIKey = secrets[name]
		}
	}
	if c.Redis.Password == "" {
		c.Redis.Password = secrets["REDIS_PASSWORD"]
	}
}

// PasswordFunc supplies the secrets file password on demand.
type PasswordFunc func() (string, error)

// LoadWithSecrets is Load with a password source for cfg.Secrets.File. The password is
// taken from CHATCORE_SECRETS_PASSWORD first and from password only when that is unset.
// Validation runs after the secrets are applied.
func LoadWithSecrets(path string, password PasswordFunc) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := parse(path, substituteEnv(data), cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	applyCredentialEnv(cfg)

	if cfg.Secrets.File != "" {
		pw := os.Getenv(EnvSecretsPassword)
		if pw == "" && password != nil {
			var err error
			if pw, err = password(); err != nil {
				return nil, fmt.Errorf("read secrets password: %w", err)
			}
		}
		if pw == "" {
			return nil, fmt.Errorf("secrets file %s configured but no password given (set %s)", cfg.Secrets.File, EnvSecretsPassword)
		}
		secrets, err := DecryptSecretsFile(cfg.Secrets.File, pw)
		if err != nil {
			return nil, err
		}
		cfg.ApplySecrets(secrets)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
