// Package secret implements encryption-at-rest for the handful of sensitive
// settings the platform store persists: a lazily-materialized AES-256-GCM
// master key, encoded ciphertext with a stable version prefix, and
// plaintext passthrough on decrypt so rows written before encryption was
// turned on keep reading cleanly.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cadalytix/installer/pkg/log"
)

// Prefix marks a value as produced by Protector.Encrypt.
const Prefix = "ENCv1:"

const keyLen = 32 // AES-256

// Protector is the Secret Protector: one process-owned master key used for
// every encrypt/decrypt call for the life of the process.
type Protector struct {
	keyPath string

	mu  sync.Mutex
	key []byte
}

// New returns a Protector whose key lives at keyPath. The key is not read or
// generated until the first Encrypt/Decrypt call.
func New(keyPath string) *Protector {
	return &Protector{keyPath: keyPath}
}

// IsEncrypted reports whether v carries the Protector's ciphertext prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Encrypt seals plaintext under the process master key, returning
// Prefix + base64(nonce ‖ sealed(plaintext)). Encrypting the empty string
// returns the bare prefix as a stable sentinel rather than invoking AEAD
// sealing on zero bytes.
func (p *Protector) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return Prefix, nil
	}

	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values not carrying Prefix are returned
// unchanged, so callers can pass any stored setting value through Decrypt
// unconditionally.
func (p *Protector) Decrypt(v string) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	payload := strings.TrimPrefix(v, Prefix)
	if payload == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("secret: decode ciphertext: %w", err)
	}

	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("secret: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (p *Protector) gcm() (cipher.AEAD, error) {
	key, err := p.ensureKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: new gcm: %w", err)
	}
	return gcm, nil
}

// ensureKey loads the cached key, or the on-disk key, or generates and
// atomically persists a new one. Concurrent first-use races are resolved by
// create-new (O_EXCL) semantics: the loser re-reads the file the winner
// created and adopts that key in place of the one it generated. If no valid
// key can be read back, the materialization error is returned and the
// generated key is not used.
func (p *Protector) ensureKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	logger := log.WithComponent("secret")

	if raw, err := os.ReadFile(p.keyPath); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("secret: decode key file %s: %w", p.keyPath, err)
		}
		if len(key) != keyLen {
			return nil, fmt.Errorf("secret: key file %s has %d bytes, want %d", p.keyPath, len(key), keyLen)
		}
		p.key = key
		return p.key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secret: read key file %s: %w", p.keyPath, err)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}

	if err := p.materialize(key); err != nil {
		// Lost the create-new race or hit a transient error; if another
		// process won, read back its key and use that instead.
		if raw, rerr := os.ReadFile(p.keyPath); rerr == nil {
			existing, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
			if derr == nil && len(existing) == keyLen {
				logger.Warn().Msg("lost key materialization race, adopting existing key file")
				p.key = existing
				return p.key, nil
			}
		}
		return nil, err
	}

	p.key = key
	return p.key, nil
}

// materialize atomically creates the key file with bounded retry on
// transient failures (base 50ms, factor 2, cap 750ms, 3 attempts).
func (p *Protector) materialize(key []byte) error {
	logger := log.WithComponent("secret")

	if dir := filepath.Dir(p.keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("secret: create key directory: %w", err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString(key)

	const (
		baseDelay = 50 * time.Millisecond
		capDelay  = 750 * time.Millisecond
		attempts  = 3
	)

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		f, err := os.OpenFile(p.keyPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(encoded)
			cerr := f.Close()
			if werr != nil {
				lastErr = fmt.Errorf("secret: write key file: %w", werr)
			} else if cerr != nil {
				lastErr = fmt.Errorf("secret: close key file: %w", cerr)
			} else {
				return nil
			}
		} else if os.IsExist(err) {
			return fmt.Errorf("secret: key file %s already exists", p.keyPath)
		} else {
			lastErr = fmt.Errorf("secret: create key file: %w", err)
		}

		if attempt == attempts {
			break
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("key materialization failed, retrying")
		jitter := time.Duration(mrand.Int64N(int64(delay) / 2))
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > capDelay {
			delay = capDelay
		}
	}
	return lastErr
}
