package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims identify the panel user behind an API request.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	// Standard Claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

const (
	issuer   = "yumna-panel"
	audience = "yumna-control-plane"

	// MinSecretLength is the shortest accepted signing secret.
	MinSecretLength = 32
)

var (
	ErrMalformedToken   = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrWeakSecret       = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
)

// Tokens signs and validates HS256 caller tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a signer for secret. Tokens live for ttl (24h when zero).
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Generate creates a signed token for the given user and role.
func (t *Tokens) Generate(userID, role string) (string, error) {
	now := t.now().Unix()
	claims := Claims{
		UserID:    userID,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(t.ttl/time.Second),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return tokenPart + "." + computeHMAC(tokenPart, t.secret), nil
}

// Validate parses and validates the token string.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	tokenPart := parts[0] + "." + parts[1]
	signature := computeHMAC(tokenPart, t.secret)
	if !hmac.Equal([]byte(signature), []byte(parts[2])) {
		return nil, ErrInvalidSignature
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}

	now := t.now().Unix()
	if now > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if now < claims.NotBefore {
		return nil, errors.New("token not yet valid")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}

	return &claims, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
