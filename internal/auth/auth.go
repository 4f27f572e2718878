package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated admin key.
const KeyPrefix = "pwadm_"

// ErrNoAdminKeys is returned when a verifier is built without any hash.
var ErrNoAdminKeys = errors.New("no admin key hashes configured")

// Admin identifies the key an admin request was made with.
type Admin struct {
	// KeyIndex is the position of the matching hash in the configuration.
	KeyIndex int
	// Prefix is the first characters of the plaintext key, for audit logs.
	Prefix string
}

// MetricsRecorder is an optional interface for counting auth outcomes.
type MetricsRecorder interface {
	IncAuthSuccess()
	IncAuthFailure()
}

// Verifier checks admin keys against bcrypt hashes. Keys that verified once
// are remembered by their SHA-256 fingerprint so bcrypt only runs on the
// first request of each key.
type Verifier struct {
	hashes  [][]byte
	metrics MetricsRecorder

	mu       sync.RWMutex
	verified map[string]int
}

// NewVerifier creates a Verifier from bcrypt hashes.
func NewVerifier(hashes []string) (*Verifier, error) {
	if len(hashes) == 0 {
		return nil, ErrNoAdminKeys
	}
	v := &Verifier{verified: make(map[string]int)}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("admin key hash %d: %w", i, err)
		}
		v.hashes = append(v.hashes, []byte(h))
	}
	return v, nil
}

// SetMetrics sets the optional metrics recorder.
func (v *Verifier) SetMetrics(m MetricsRecorder) {
	v.metrics = m
}

// Verify returns the admin for plaintext, or false if no hash matches.
func (v *Verifier) Verify(plaintext string) (*Admin, bool) {
	admin, ok := v.verify(plaintext)
	if v.metrics != nil {
		if ok {
			v.metrics.IncAuthSuccess()
		} else {
			v.metrics.IncAuthFailure()
		}
	}
	return admin, ok
}

func (v *Verifier) verify(plaintext string) (*Admin, bool) {
	if plaintext == "" {
		return nil, false
	}
	fp := fingerprint(plaintext)

	v.mu.RLock()
	idx, ok := v.verified[fp]
	v.mu.RUnlock()
	if ok {
		return &Admin{KeyIndex: idx, Prefix: prefixOf(plaintext)}, true
	}

	for i, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(plaintext)) == nil {
			v.mu.Lock()
			v.verified[fp] = i
			v.mu.Unlock()
			return &Admin{KeyIndex: i, Prefix: prefixOf(plaintext)}, true
		}
	}
	return nil, false
}

// GenerateAdminKey creates a new admin key with KeyPrefix followed by 32
// URL-safe random characters. It returns the plaintext and its bcrypt hash.
func GenerateAdminKey() (plaintext, hash string, err error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	hash, err = HashKey(plaintext)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

// HashKey returns the bcrypt hash of plaintext.
func HashKey(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(h), nil
}

func fingerprint(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

func prefixOf(plaintext string) string {
	if len(plaintext) > 12 {
		return plaintext[:12]
	}
	return plaintext
}
