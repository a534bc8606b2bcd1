package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/docservice/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

// URLClaims are carried by the token of a signed storage URL.
type URLClaims struct {
	Path     string `json:"path"` // tenant-qualified object path
	Filename string `json:"filename,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies storage download tokens.
type Signer struct {
	key          []byte
	sessionTTL   time.Duration
	temporaryTTL time.Duration
	now          func() time.Time
}

// NewSigner creates a signer. Zero TTLs fall back to 24h (session) and 5m (temporary).
func NewSigner(key []byte, sessionTTL, temporaryTTL time.Duration) *Signer {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if temporaryTTL <= 0 {
		temporaryTTL = 5 * time.Minute
	}
	return &Signer{key: key, sessionTTL: sessionTTL, temporaryTTL: temporaryTTL, now: time.Now}
}

func (s *Signer) ttl(t URLType) time.Duration {
	if t == URLTemporary {
		return s.temporaryTTL
	}
	return s.sessionTTL
}

// URL builds <baseURL>/storage/<full>?token=... for a tenant-qualified object path.
func (s *Signer) URL(baseURL, full string, t URLType, filename string) (string, error) {
	now := s.now()
	claims := URLClaims{
		Path:     full,
		Filename: filename,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl(t))),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	segs := strings.Split(full, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	q := url.Values{"token": {tok}}
	return strings.TrimRight(baseURL, "/") + "/storage/" + strings.Join(segs, "/") + "?" + q.Encode(), nil
}

// Verify checks token and that it was issued for full.
func (s *Signer) Verify(token, full string) (*URLClaims, error) {
	var claims URLClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, errs.ErrUnauthorized
	}
	if claims.Path != full {
		return nil, errs.ErrUnauthorized
	}
	return &claims, nil
}
