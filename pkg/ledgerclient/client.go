/**
 * @description
 * This package provides a client for the ledger-service operator routes.
 * It is used by ledgerctl and by any internal service that needs to inspect
 * or repair transfers (listing unreverted failures, retrying a revert,
 * applying a settlement status obtained out of band) or close accounts.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
)

// Client is a client for the ledger service internal API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger service returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger service returned error status %d", e.StatusCode)
}

// RevertFailedList is the response of ListRevertFailed.
type RevertFailedList struct {
	Transactions []domain.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
}

// ReconcileRequest carries a settlement status for one external id.
type ReconcileRequest struct {
	ExternalID string          `json:"externalId"`
	Status     string          `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ListRevertFailed returns failed transactions whose revert is still outstanding.
func (c *Client) ListRevertFailed(ctx context.Context, limit int) (*RevertFailedList, error) {
	path := "/internal/transfers/revert-failed"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out RevertFailedList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryRevert re-attempts the compensating revert of one transaction.
func (c *Client) RetryRevert(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var out domain.Transaction
	if err := c.do(ctx, http.MethodPost, "/internal/transfers/"+id.String()+"/retry-revert", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile applies a settlement status as if it had arrived by webhook.
func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) (*domain.ReconcileResult, error) {
	var out domain.ReconcileResult
	if err := c.do(ctx, http.MethodPost, "/internal/reconcile", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCommunity moves an account to another community.
func (c *Client) UpdateCommunity(ctx context.Context, identity, community string) (*domain.Account, error) {
	var out domain.Account
	payload := map[string]string{"community": community}
	if err := c.do(ctx, http.MethodPut, "/internal/accounts/"+url.PathEscape(identity)+"/community", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateAccount closes an account for new transfers. The service refuses
// while the account has pending or RevertFailed transfers.
func (c *Client) DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error) {
	var out domain.Account
	if err := c.do(ctx, http.MethodDelete, "/internal/accounts/"+url.PathEscape(identity), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("ledger service base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to ledger service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errBody) == nil {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
