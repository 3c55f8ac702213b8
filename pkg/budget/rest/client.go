// Package rest implements the budget.Client interface over the budget
// service's HTTP API.
package rest

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

	"github.com/mathewab/actual-assist-sub002/pkg/budget"
)

const defaultTimeout = 30 * time.Second

// Config configures the client.
type Config struct {
	// BaseURL is the budget service endpoint, e.g. http://localhost:5006.
	BaseURL string

	// APIKey authenticates requests, sent as x-api-key. Optional for
	// unauthenticated local servers.
	APIKey string
}

// Client is an HTTP budget.Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("budget service base url is required")
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
	}, nil
}

// ListTransactions implements budget.Client.
func (c *Client) ListTransactions(ctx context.Context, budgetID string) ([]budget.Transaction, error) {
	var out []budget.Transaction
	if err := c.get(ctx, budgetID, "/transactions", &out); err != nil {
		return nil, &budget.ServiceError{Op: "ListTransactions", Err: err}
	}
	return out, nil
}

// ListCategories implements budget.Client.
func (c *Client) ListCategories(ctx context.Context, budgetID string) ([]budget.Category, error) {
	var out []budget.Category
	if err := c.get(ctx, budgetID, "/categories", &out); err != nil {
		return nil, &budget.ServiceError{Op: "ListCategories", Err: err}
	}
	return out, nil
}

// ListPayees implements budget.Client.
func (c *Client) ListPayees(ctx context.Context, budgetID string) ([]budget.Payee, error) {
	var out []budget.Payee
	if err := c.get(ctx, budgetID, "/payees", &out); err != nil {
		return nil, &budget.ServiceError{Op: "ListPayees", Err: err}
	}
	return out, nil
}

// UpdateTransactionCategory implements budget.Client.
func (c *Client) UpdateTransactionCategory(ctx context.Context, budgetID, transactionID, categoryID string) error {
	body := map[string]string{"categoryId": categoryID}
	path := "/transactions/" + url.PathEscape(transactionID)
	if err := c.send(ctx, http.MethodPatch, budgetID, path, body, nil); err != nil {
		return &budget.ServiceError{Op: "UpdateTransactionCategory", Err: err}
	}
	return nil
}

// MergePayees implements budget.Client.
func (c *Client) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) error {
	body := map[string]any{"targetId": targetID, "sourceIds": sourceIDs}
	if err := c.send(ctx, http.MethodPost, budgetID, "/payees/merge", body, nil); err != nil {
		return &budget.ServiceError{Op: "MergePayees", Err: err}
	}
	return nil
}

// TriggerSync implements budget.Client.
func (c *Client) TriggerSync(ctx context.Context, budgetID string) error {
	if err := c.send(ctx, http.MethodPost, budgetID, "/sync", nil, nil); err != nil {
		return &budget.ServiceError{Op: "TriggerSync", Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, budgetID, path string, out any) error {
	return c.send(ctx, http.MethodGet, budgetID, path, nil, out)
}

func (c *Client) send(ctx context.Context, method, budgetID, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.baseURL + "/budgets/" + url.PathEscape(budgetID) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncateBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 300
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
