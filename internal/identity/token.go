package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrExpiredToken = errors.New("expired identity token")
)

type claims struct {
	Sub    string `json:"sub"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
	Exp    int64  `json:"exp"`
}

// Tokens signs identities so a reconnecting collaborator keeps its name and
// color. Nothing is stored server side.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens derives the signing key from secret. An empty secret gets a
// random key, so tokens do not outlive the process.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	t := &Tokens{ttl: ttl, now: time.Now}
	if secret == "" {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		t.secret = key
		return t, nil
	}
	sum := sha256.Sum256([]byte("identity:" + secret))
	t.secret = sum[:]
	return t, nil
}

func (t *Tokens) Issue(id Identity) (string, error) {
	payloadBytes, err := json.Marshal(claims{
		Sub:    id.ID,
		Name:   id.DisplayName,
		Color:  id.Color,
		Avatar: id.Avatar,
		Exp:    t.now().Add(t.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + t.sign(payload), nil
}

func (t *Tokens) Parse(token string) (Identity, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(t.sign(payload))) {
		return Identity{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(decoded, &c); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if c.Sub == "" || c.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if t.now().Unix() >= c.Exp {
		return Identity{}, ErrExpiredToken
	}
	return Identity{ID: c.Sub, DisplayName: c.Name, Color: c.Color, Avatar: c.Avatar}, nil
}

func (t *Tokens) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
