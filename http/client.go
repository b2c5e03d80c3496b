package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	checkout "github.com/chipcasher/checkout"
)

// DefaultClientTimeout bounds one makeTransaction round trip
const DefaultClientTimeout = 30 * time.Second

// ClientOption configures a TransactionClient
type ClientOption func(*TransactionClient)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *TransactionClient) {
		c.client = resty.NewWithClient(client).SetBaseURL(c.baseURL)
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *TransactionClient) {
		c.client.SetTimeout(timeout)
	}
}

// TransactionClient fetches transactions from a storefront's makeTransaction endpoint.
// It implements checkout.TransactionSource. Responses in the 4xx range are permanent
// so the orchestrator's retry loop gives up at once; transport errors and 5xx are
// retryable.
type TransactionClient struct {
	baseURL string
	client  *resty.Client
}

// NewTransactionClient creates a client for the storefront at baseURL
func NewTransactionClient(baseURL string, opts ...ClientOption) *TransactionClient {
	c := &TransactionClient{
		baseURL: baseURL,
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultClientTimeout).
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metadata fetches the label and icon a wallet would display
func (c *TransactionClient) Metadata(ctx context.Context) (*MetadataResponse, error) {
	var result MetadataResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(MakeTransactionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode())
	}
	return &result, nil
}

// PrepareTransaction POSTs the payer account with the cart and reference in the query
func (c *TransactionClient) PrepareTransaction(ctx context.Context, req checkout.PrepareRequest) (*checkout.PreparedTransaction, error) {
	var (
		result  MakeTransactionResponse
		failure ErrorResponse
	)
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(CartQuery(req.Cart, req.Reference)).
		SetBody(MakeTransactionRequest{Account: string(req.Payer)}).
		SetResult(&result).
		SetError(&failure).
		Post(MakeTransactionPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, checkout.NewCheckoutError(checkout.ErrCodeFetchFailed, "failed to reach storefront", err)
	}

	if resp.IsError() {
		message := failure.Error
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		code := failure.Code
		if code == "" {
			code = checkout.ErrCodeFetchFailed
		}
		ferr := checkout.NewCheckoutError(code, message, fmt.Errorf("status %d", resp.StatusCode()))
		if resp.StatusCode() < http.StatusInternalServerError {
			return nil, checkout.Permanent(ferr)
		}
		return nil, ferr
	}

	raw, err := base64.StdEncoding.DecodeString(result.Transaction)
	if err != nil || len(raw) == 0 {
		return nil, checkout.Permanent(checkout.NewCheckoutError(checkout.ErrCodeFetchFailed, "storefront returned an invalid transaction", err))
	}
	return &checkout.PreparedTransaction{Transaction: raw, Message: result.Message}, nil
}

func encodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
