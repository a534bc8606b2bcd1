package callback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/docservice/internal/model"
)

// PutFlags are reported to the WOPI host with PutFile.
type PutFlags struct {
	ModifiedByUser bool
	Autosave       bool
	ExitSave       bool
}

// WOPIClient talks to a WOPI host on behalf of the document owner.
type WOPIClient struct {
	client *http.Client
}

// NewWOPIClient builds a client with the given request timeout.
func NewWOPIClient(timeout time.Duration) *WOPIClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WOPIClient{client: &http.Client{Timeout: timeout}}
}

func wopiURL(p *model.WOPIParams, suffix string) (string, error) {
	u, err := url.Parse(strings.TrimRight(p.WOPISrc, "/") + suffix)
	if err != nil {
		return "", fmt.Errorf("wopi src: %w", err)
	}
	q := u.Query()
	q.Set("access_token", p.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WOPIClient) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wopi %s: %w", req.Header.Get("X-WOPI-Override"), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// PutFile uploads the saved document to the host's file contents endpoint.
func (c *WOPIClient) PutFile(ctx context.Context, p *model.WOPIParams, lockID string, body io.Reader, size int64, userID string, f PutFlags) error {
	u, err := wopiURL(p, "/contents")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-WOPI-Override", "PUT")
	if lockID != "" {
		req.Header.Set("X-WOPI-Lock", lockID)
	}
	if userID != "" {
		req.Header.Set("X-WOPI-Editors", userID)
	}
	req.Header.Set("X-LOOL-WOPI-IsModifiedByUser", strconv.FormatBool(f.ModifiedByUser))
	req.Header.Set("X-LOOL-WOPI-IsAutosave", strconv.FormatBool(f.Autosave))
	req.Header.Set("X-LOOL-WOPI-IsExitSave", strconv.FormatBool(f.ExitSave))
	return c.do(req)
}

// Unlock releases the lock held on the host file.
func (c *WOPIClient) Unlock(ctx context.Context, p *model.WOPIParams, lockID string) error {
	u, err := wopiURL(p, "")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-WOPI-Override", "UNLOCK")
	req.Header.Set("X-WOPI-Lock", lockID)
	return c.do(req)
}
