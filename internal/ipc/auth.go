package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keySize = 32

var ErrAuthentication = errors.New("authentication failed")

// AuthenticationError means a frame was malformed or its MAC did not verify.
// The server drops such connections without a response.
type AuthenticationError struct{ Reason string }

func (e *AuthenticationError) Error() string        { return "authentication failed: " + e.Reason }
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// LoadOrCreateKey reads the hex key at path, creating it with 0600
// permissions on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return decodeKey(b)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another starter; use theirs.
		return LoadKey(path)
	}
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadKey reads an existing key; clients never create one.
func LoadKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeKey(b)
}

func decodeKey(b []byte) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("key too short (%d bytes)", len(key))
	}
	return key, nil
}

func sign(key, body []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(body)
	return m.Sum(nil)
}

func verify(key, body, mac []byte) bool {
	return hmac.Equal(sign(key, body), mac)
}
