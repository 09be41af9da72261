package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient calls the relay's HTTP endpoints with the pre-issued bearer token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates an HTTP client for the relay API.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// RegisterProject POSTs one project registration. The relay responds
// {ok:bool}; a false ok is reported as an error.
func (c *APIClient) RegisterProject(ctx context.Context, project any) error {
	var result struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, "/v1/projects/register", map[string]any{"project": project}, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("relay declined project registration")
	}
	return nil
}

// ExchangeAuthCode trades a browser-login code for credentials. Used by the
// login command, not by the bridge session itself.
func (c *APIClient) ExchangeAuthCode(ctx context.Context, code string) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.post(ctx, "/v1/cli/auth/exchange", map[string]any{"code": code}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// MachineStatus fetches the relay's view of this machine.
func (c *APIClient) MachineStatus(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/machines/me/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /v1/machines/me/status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /v1/machines/me/status: unexpected status %d", resp.StatusCode)
	}

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode machine status: %w", err)
	}
	return result, nil
}

func (c *APIClient) post(ctx context.Context, path string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
