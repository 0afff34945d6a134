package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.KeyProvider = (*LocalKeyProvider)(nil)

const (
	// minMasterKeyLen is the minimum length of configured master key material.
	minMasterKeyLen = 32

	wrapInfo = "agentopia-vault key-wrap v1"
)

// ErrUnknownKey is returned when a blob names a master key that is not loaded.
var ErrUnknownKey = errors.New("unknown master key")

// LocalKeyProvider wraps data keys with master keys held in process memory.
// Each master key is stretched with HKDF-SHA256 into a key-wrapping key, with
// the key id as salt, so the same material never wraps under two ids.
type LocalKeyProvider struct {
	active string
	boxes  map[string]*box
}

// NewLocalKeyProvider creates a key provider. active must be one of keys.
// Retired keys stay in keys so older secrets remain readable.
func NewLocalKeyProvider(active string, keys map[string][]byte) (*LocalKeyProvider, error) {
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("active master key %q is not configured", active)
	}

	boxes := make(map[string]*box, len(keys))
	for id, material := range keys {
		if id == "" {
			return nil, errors.New("master key id is empty")
		}
		if len(material) < minMasterKeyLen {
			return nil, fmt.Errorf("master key %q: need at least %d bytes, got %d", id, minMasterKeyLen, len(material))
		}

		kek := make([]byte, keySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, material, []byte(id), []byte(wrapInfo)), kek); err != nil {
			return nil, fmt.Errorf("derive key-wrapping key %q: %w", id, err)
		}
		b, err := newBox(kek)
		if err != nil {
			return nil, err
		}
		boxes[id] = b
	}
	return &LocalKeyProvider{active: active, boxes: boxes}, nil
}

// ParseMasterKeys parses "id:base64,id:base64". The first entry is the active key.
func ParseMasterKeys(value string) (active string, keys map[string][]byte, err error) {
	keys = make(map[string][]byte)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return "", nil, fmt.Errorf("master key entry %q must be id:base64", entry)
		}
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", nil, fmt.Errorf("master key %q: %w", id, err)
		}
		if _, dup := keys[id]; dup {
			return "", nil, fmt.Errorf("master key %q configured twice", id)
		}
		keys[id] = material
		if active == "" {
			active = id
		}
	}
	if active == "" {
		return "", nil, errors.New("no master keys configured")
	}
	return active, keys, nil
}

// ActiveKeyID names the key new data keys are wrapped with.
func (p *LocalKeyProvider) ActiveKeyID() string {
	return p.active
}

// WrapKey wraps dataKey under the active master key.
func (p *LocalKeyProvider) WrapKey(ctx context.Context, dataKey []byte) (string, []byte, error) {
	wrapped, err := p.boxes[p.active].seal(dataKey, []byte(p.active))
	if err != nil {
		return "", nil, err
	}
	return p.active, wrapped, nil
}

// UnwrapKey unwraps a data key wrapped under keyID.
func (p *LocalKeyProvider) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	b, ok := p.boxes[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	return b.open(wrapped, []byte(keyID))
}
