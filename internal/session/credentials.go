package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrCorruptCredential = errors.New("stored credential could not be opened")

// Credentials keeps per-client provider API keys, sealed with secretbox
// before they reach the KV store.
type Credentials struct {
	kv  Store
	key [32]byte
	ttl time.Duration
}

// NewCredentials derives the sealing key from secret. An empty secret gets a
// random key, so sealed values do not outlive the process.
func NewCredentials(kv Store, secret string, ttl time.Duration) (*Credentials, error) {
	c := &Credentials{kv: kv, ttl: ttl}
	if secret == "" {
		if _, err := io.ReadFull(rand.Reader, c.key[:]); err != nil {
			return nil, fmt.Errorf("generate credentials key: %w", err)
		}
		return c, nil
	}
	c.key = sha256.Sum256([]byte(secret))
	return c, nil
}

func credentialKey(clientID, provider string) string {
	return "cred:" + clientID + ":" + provider
}

func (c *Credentials) Put(ctx context.Context, clientID, provider, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return c.Delete(ctx, clientID, provider)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(apiKey), &nonce, &c.key)
	return c.kv.Set(ctx, credentialKey(clientID, provider), sealed, c.ttl)
}

// Get returns the stored key or "" when none is set.
func (c *Credentials) Get(ctx context.Context, clientID, provider string) (string, error) {
	sealed, err := c.kv.Get(ctx, credentialKey(clientID, provider))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(sealed) < 24 {
		return "", ErrCorruptCredential
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return "", ErrCorruptCredential
	}
	return string(opened), nil
}

func (c *Credentials) Delete(ctx context.Context, clientID, provider string) error {
	return c.kv.Delete(ctx, credentialKey(clientID, provider))
}
