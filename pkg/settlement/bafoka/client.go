/**
 * @description
 * HTTP client for the Bafoka settlement network. It implements
 * settlement.Client and settlement.StatusQuerier and translates every Bafoka
 * response into the backend-agnostic settlement types.
 *
 * @dependencies
 * - net/http, encoding/json: request/response handling.
 * - golang.org/x/time/rate: caps outbound request rate to the sandbox.
 */

package bafoka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

const defaultTimeout = 15 * time.Second

// Client talks to the Bafoka REST API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Bafoka client. requestsPerSecond <= 0 disables throttling.
func NewClient(baseURL, apiKey string, requestsPerSecond float64) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter: limiter,
	}
}

var (
	_ settlement.Client        = (*Client)(nil)
	_ settlement.StatusQuerier = (*Client)(nil)
)

type accountCreationRequest struct {
	PhoneNumber  string `json:"phoneNumber"`
	FullName     string `json:"fullName"`
	GroupementID string `json:"groupementId"`
}

type envelope struct {
	Message string `json:"message"`
	Success *bool  `json:"success"`
}

type accountCreationResponse struct {
	envelope
	Data struct {
		ID          string `json:"id"`
		PhoneNumber string `json:"phoneNumber"`
	} `json:"data"`
}

type balanceRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type balanceResponse struct {
	envelope
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

type transactionRequest struct {
	SenderPhoneNumber   string `json:"senderPhoneNumber"`
	ReceiverPhoneNumber string `json:"receiverPhoneNumber"`
	Amount              int64  `json:"amount"`
}

type transactionStatusRequest struct {
	TransactionID string `json:"transactionId"`
}

type transactionResponse struct {
	envelope
	TxID          string `json:"tx_id"`
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

func (r transactionResponse) externalID() string {
	for _, id := range []string{r.TxID, r.ID, r.TransactionID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

// errUndecodable marks a 2xx answer whose body could not be decoded.
var errUndecodable = errors.New("undecodable response body")

// CreateAccount registers a wallet for the identity. An identity the network
// already knows is reported as success with the existing handle.
func (c *Client) CreateAccount(ctx context.Context, req settlement.CreateAccountRequest) (*settlement.Account, error) {
	payload := accountCreationRequest{
		PhoneNumber:  req.Identity,
		FullName:     req.DisplayName,
		GroupementID: req.Community,
	}

	var resp accountCreationResponse
	if _, err := c.do(ctx, "create_account", "/api/account-creation", payload, "", &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, settlement.Rejected("create_account", 0, resp.Message)
	}

	handle := strings.TrimSpace(resp.Data.ID)
	if handle == "" {
		handle = strings.TrimSpace(resp.Data.PhoneNumber)
	}
	if handle == "" {
		return nil, settlement.Rejected("create_account", 0, "response carried no account id")
	}
	return &settlement.Account{Handle: handle}, nil
}

// GetBalance returns the network-side balance for the identity.
func (c *Client) GetBalance(ctx context.Context, identity string) (*settlement.Balance, error) {
	var resp balanceResponse
	if _, err := c.do(ctx, "get_balance", "/api/get-balance", balanceRequest{PhoneNumber: identity}, "", &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, settlement.Rejected("get_balance", 0, resp.Message)
	}

	balance, err := parseAmount(resp.Balance)
	if err != nil {
		return nil, settlement.Unavailable("get_balance", 0, fmt.Errorf("invalid balance %q: %w", resp.Balance, err))
	}
	return &settlement.Balance{Balance: balance, CurrencyLabel: resp.Currency}, nil
}

// ExecuteTransfer moves value between two wallets. The local transaction id is
// sent as Idempotency-Key so a retried request cannot move value twice.
func (c *Client) ExecuteTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
	payload := transactionRequest{
		SenderPhoneNumber:   req.FromIdentity,
		ReceiverPhoneNumber: req.ToIdentity,
		Amount:              req.Amount,
	}

	var resp transactionResponse
	raw, err := c.do(ctx, "execute_transfer", "/api/initiate-transaction", payload, req.Reference, &resp)
	if errors.Is(err, errUndecodable) {
		// The network answered 2xx, so the value may have moved. Report an
		// unknown outcome rather than a failure that would be reverted.
		log.Printf("level=warn component=bafoka_client op=execute_transfer msg=\"accepted with unreadable body\" reference=%s err=%v", req.Reference, err)
		return &settlement.TransferReceipt{Status: settlement.ParseStatus(""), Raw: raw}, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, settlement.Rejected("execute_transfer", 0, resp.Message)
	}

	externalID := resp.externalID()
	if externalID == "" {
		log.Printf("level=warn component=bafoka_client op=execute_transfer msg=\"accepted without transaction id\" reference=%s status=%q", req.Reference, resp.Status)
	}

	status := resp.Status
	if strings.TrimSpace(status) == "" {
		status = "pending"
	}
	return &settlement.TransferReceipt{
		ExternalID: externalID,
		Status:     settlement.ParseStatus(status),
		Raw:        raw,
	}, nil
}

// TransferStatus polls the network for a previously accepted transfer.
func (c *Client) TransferStatus(ctx context.Context, externalID string) (*settlement.TransferReceipt, error) {
	var resp transactionResponse
	raw, err := c.do(ctx, "transfer_status", "/api/transaction-status", transactionStatusRequest{TransactionID: externalID}, "", &resp)
	if err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, settlement.Rejected("transfer_status", 0, resp.Message)
	}

	id := resp.externalID()
	if id == "" {
		id = externalID
	}
	return &settlement.TransferReceipt{
		ExternalID: id,
		Status:     settlement.ParseStatus(resp.Status),
		Raw:        raw,
	}, nil
}

// do posts payload to path and decodes a 2xx body into out. It returns the raw
// response body so callers can keep it as metadata. A 2xx body that does not
// decode is returned together with an error wrapping errUndecodable.
func (c *Client) do(ctx context.Context, op, path string, payload interface{}, idempotencyKey string, out interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, settlement.Unavailable(op, 0, fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=bafoka_client op=%s msg=\"request failed\" duration_ms=%d err=%v", op, time.Since(start).Milliseconds(), err)
		return nil, settlement.Unavailable(op, 0, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, settlement.Unavailable(op, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := errorMessage(bodyBytes)
		log.Printf("level=warn component=bafoka_client op=%s status=%d msg=%q", op, resp.StatusCode, message)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return nil, settlement.Unavailable(op, resp.StatusCode, errors.New(message))
		}
		return nil, settlement.Rejected(op, resp.StatusCode, message)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return bodyBytes, settlement.Unavailable(op, resp.StatusCode, fmt.Errorf("%w: %v", errUndecodable, err))
	}
	return bodyBytes, nil
}

func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && strings.TrimSpace(env.Message) != "" {
		return env.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		return "empty response body"
	}
	return trimmed
}

// parseAmount accepts integral JSON numbers, including ones rendered as 1000.0.
func parseAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("fractional amount")
	}
	return int64(f), nil
}
