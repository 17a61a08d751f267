// Package serverchan pushes messages through the Server-chan HTTP API.
package serverchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://sctapi.ftqq.com"

var ErrRejected = errors.New("serverchan rejected message")

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (DefaultBaseURL when empty). A nil hc
// gets a 10s timeout client.
func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: hc}
}

// Deliver sends GET <base>/<key>.send?title=..&desp=..
func (c *Client) Deliver(ctx context.Context, key, title, body string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty sendkey", ErrRejected)
	}
	q := url.Values{}
	q.Set("title", title)
	q.Set("desp", body)
	u := c.baseURL + "/" + url.PathEscape(key) + ".send?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode)
	}

	var out struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &out) == nil && out.Code != nil && *out.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", ErrRejected, *out.Code, out.Message)
	}
	return nil
}
