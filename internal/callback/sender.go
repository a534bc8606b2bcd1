package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/and161185/docservice/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// maxAuthorizationLen keeps the Authorization header under common 8KB header limits.
const maxAuthorizationLen = 7168

const maxReplySize = 1 << 20

// SenderOptions configures the generic HTTP callback.
type SenderOptions struct {
	Timeout  time.Duration
	SignKey  []byte // outbox JWT secret; empty disables the Authorization header
	TokenTTL time.Duration
	Header   string // header carrying the token, default Authorization
}

// Sender posts callback payloads to the owner's URL.
type Sender struct {
	client *http.Client
	opts   SenderOptions
}

// NewSender builds a sender with its own HTTP client.
func NewSender(opts SenderOptions) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	if opts.Header == "" {
		opts.Header = "Authorization"
	}
	return &Sender{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

type outboxClaims struct {
	Payload *model.CallbackPayload `json:"payload"`
	jwt.RegisteredClaims
}

func (s *Sender) token(p *model.CallbackPayload) (string, error) {
	now := time.Now()
	claims := outboxClaims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SignKey)
}

// Send posts p as JSON and returns the reply body. Non-2xx replies are *StatusError.
// When the signed header would be too long, history is dropped from the payload.
func (s *Sender) Send(ctx context.Context, uri string, p *model.CallbackPayload) (string, error) {
	var auth string
	if len(s.opts.SignKey) > 0 {
		tok, err := s.token(p)
		if err != nil {
			return "", fmt.Errorf("sign callback: %w", err)
		}
		if len("Bearer "+tok) >= maxAuthorizationLen {
			p.ChangesURL = ""
			p.History = json.RawMessage(`{}`)
			if tok, err = s.token(p); err != nil {
				return "", fmt.Errorf("sign callback: %w", err)
			}
		}
		auth = "Bearer " + tok
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set(s.opts.Header, auth)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", fmt.Errorf("read callback reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(reply)}
	}
	return string(reply), nil
}

// ReplyOK reports whether reply is a JSON object with "error": 0.
func ReplyOK(reply string) bool {
	var m map[string]any
	if err := json.Unmarshal([]byte(reply), &m); err != nil {
		return false
	}
	switch v := m["error"].(type) {
	case float64:
		return v == 0
	case string:
		return v == "0"
	default:
		return false
	}
}
