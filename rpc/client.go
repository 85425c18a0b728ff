package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-errors/errors"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) GetInfo(ctx context.Context) (*GetInfoResponse, error) {
	var res GetInfoResponse
	return &res, c.do(ctx, http.MethodGet, "/v1/info", nil, &res)
}

func (c *Client) ListQuotes(ctx context.Context) (*ListQuotesResponse, error) {
	var res ListQuotesResponse
	return &res, c.do(ctx, http.MethodGet, "/v1/quotes", nil, &res)
}

func (c *Client) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*CreateInvoiceResponse, error) {
	var res CreateInvoiceResponse
	return &res, c.do(ctx, http.MethodPost, "/v1/invoices", req, &res)
}

func (c *Client) ListEvents(ctx context.Context) (*ListEventsResponse, error) {
	var res ListEventsResponse
	return &res, c.do(ctx, http.MethodGet, "/v1/events", nil, &res)
}

func (c *Client) Reconcile(ctx context.Context) (*ReconcileResponse, error) {
	var res ReconcileResponse
	return &res, c.do(ctx, http.MethodPost, "/v1/reconcile", nil, &res)
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Errorf("Could not encode request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Errorf("Could not create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Errorf("Could not reach overflowd: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var errRes ErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&errRes); err != nil || errRes.Error == "" {
			return errors.Errorf("overflowd answered with %v", res.Status)
		}
		return errors.New(errRes.Error)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Errorf("Could not decode response: %v", err)
	}

	return nil
}
