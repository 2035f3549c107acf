// Package replica talks to the external replicated-document sync server.
package replica

import (
	"bytes"
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

const tokenHeader = "x-coedit-sync-token"

// ErrTransport marks failures talking to the sync server.
var ErrTransport = errors.New("replica transport failure")

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type textPayload struct {
	Text   string `json:"text"`
	Synced bool   `json:"synced,omitempty"`
}

func (c *HTTPClient) documentURL(fileID string) string {
	return fmt.Sprintf("%s/internal/documents/%s/text", c.baseURL, url.PathEscape(fileID))
}

// Text returns the replica's current text and whether it has synced with
// its peers.
func (c *HTTPClient) Text(ctx context.Context, fileID string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(fileID), nil)
	if err != nil {
		return "", false, fmt.Errorf("build replica request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetch replica text: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("%w: fetch text status=%d body=%s", ErrTransport, resp.StatusCode, string(b))
	}

	var payload textPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", false, fmt.Errorf("decode replica text: %w", err)
	}
	return payload.Text, payload.Synced, nil
}

// Replace overwrites the replica's text.
func (c *HTTPClient) Replace(ctx context.Context, fileID, text string) error {
	body, err := json.Marshal(textPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshal replica text: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.documentURL(fileID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build replica request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replace replica text: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: replace text status=%d body=%s", ErrTransport, resp.StatusCode, string(b))
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
}
