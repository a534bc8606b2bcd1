package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/docservice/internal/model"
)

// tenantHeader selects the tenant on the server side.
const tenantHeader = "X-Docs-Tenant"

// ------- request builders -------

// connection mirrors the descriptor the service expects with each command.
type connection struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	BaseURL  string `json:"baseUrl,omitempty"`
	Callback string `json:"callback,omitempty"`
}

func openCommand(docID, src, format, title, userID string) model.Command {
	return model.Command{Name: model.CmdOpen, DocID: docID, URL: src, Format: format, Title: title, UserID: userID}
}

func passwordCommand(docID, pwd, userID string) model.Command {
	return model.Command{DocID: docID, Password: pwd, UserID: userID}
}

// saveCommand describes one part of a client-side save.
func saveCommand(format, saveKey string, index int, last bool) model.Command {
	typ := model.SavePart
	switch {
	case last && index == 0:
		typ = model.SaveCompleteAll
	case last:
		typ = model.SaveComplete
	case index == 0:
		typ = model.SavePartStart
	}
	return model.Command{Name: model.CmdSave, Format: format, SaveKey: saveKey, SaveIndex: index, SaveType: typ}
}

// ------- ids -------

func autoID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}

func newConnID() string {
	v, _ := u.NewV4()
	return v.String()
}

// ------- transport -------

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

type client struct {
	base   string
	tenant string
	secret []byte
	http   *http.Client
}

func newClient(base, tenant string, secret []byte, timeout time.Duration) *client {
	return &client{
		base:   strings.TrimRight(base, "/"),
		tenant: tenant,
		secret: secret,
		http:   &http.Client{Timeout: timeout},
	}
}

// inboxToken signs a short-lived HS256 token for the command endpoints.
func inboxToken(secret []byte, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (c *client) send(ctx context.Context, method, path string, body io.Reader, ctype string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if c.tenant != "" {
		req.Header.Set(tenantHeader, c.tenant)
	}
	if len(c.secret) > 0 {
		tok, err := inboxToken(c.secret, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// do sends v as JSON and decodes the reply into out when out is not nil.
func (c *client) do(ctx context.Context, method, path string, v, out any) error {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.send(ctx, method, path, body, "application/json", out)
}

func (c *client) command(ctx context.Context, op string, conn connection, cmd model.Command) (model.OutputData, error) {
	var out model.OutputData
	req := map[string]any{"connection": conn, "cmd": cmd}
	err := c.do(ctx, http.MethodPost, "/coauthoring/"+op, req, &out)
	return out, err
}

func (c *client) save(ctx context.Context, docID string, s sessionFile, cmd model.Command, data []byte) (model.OutputData, error) {
	var out model.OutputData
	b, err := json.Marshal(cmd)
	if err != nil {
		return out, err
	}
	q := url.Values{}
	q.Set("cmd", string(b))
	q.Set("connId", s.ConnID)
	q.Set("userId", s.UserID)
	path := "/downloadas/" + url.PathEscape(docID) + "?" + q.Encode()
	err = c.send(ctx, http.MethodPost, path, bytes.NewReader(data), "application/octet-stream", &out)
	return out, err
}
