package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"
)

// APIClient is a StatusClient backed by the queue service's HTTP API.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) MyTokens(ctx context.Context) ([]models.Token, error) {
	var tokens []models.Token
	if err := c.get(ctx, "/api/queue/my-tokens", &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *APIClient) QueueStatus(ctx context.Context, departmentID string) (queue.Snapshot, error) {
	var snapshot queue.Snapshot
	if err := c.get(ctx, "/api/queue/status/"+url.PathEscape(departmentID), &snapshot); err != nil {
		return queue.Snapshot{}, err
	}
	return snapshot, nil
}

func (c *APIClient) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	var token models.Token
	if err := c.get(ctx, "/api/queue/tokens/"+url.PathEscape(tokenID), &token); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (c *APIClient) get(ctx context.Context, path string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
