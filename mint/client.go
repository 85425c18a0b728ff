package mint

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

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/overflowd/odb"
)

const (
	defaultTimeout = 30 * time.Second

	// Melting waits for the lightning payment to settle.
	payTimeout = 2 * time.Minute
)

// claimState follows the mint quote states of NUT-04.
type claimState string

const (
	claimStateUnpaid claimState = "UNPAID"
	claimStatePaid   claimState = "PAID"
	claimStateIssued claimState = "ISSUED"
)

type ClientConfig struct {
	// WalletURL is the base url of the wallet daemon's REST api.
	WalletURL string
	// MintURL selects the mint the wallet daemon should use.
	MintURL    string
	HTTPClient *http.Client
}

// Client implements Wallet against a cashu wallet daemon.
type Client struct {
	walletURL string
	mintURL   string
	http      *http.Client
}

var _ Wallet = (*Client)(nil)

type claimRequest struct {
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type claimResponse struct {
	Quote   string     `json:"quote"`
	Request string     `json:"request"`
	State   claimState `json:"state"`
	Paid    *bool      `json:"paid,omitempty"`
	Expiry  int64      `json:"expiry"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

type payRequest struct {
	Mint    string `json:"mint"`
	Request string `json:"request"`
}

type payResponse struct {
	State    string  `json:"state"`
	Paid     *bool   `json:"paid,omitempty"`
	Preimage *string `json:"payment_preimage,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

func NewClient(config *ClientConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(config.WalletURL); err != nil {
		return nil, errors.Errorf("Invalid wallet url %v: %v", config.WalletURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		walletURL: strings.TrimRight(config.WalletURL, "/"),
		mintURL:   config.MintURL,
		http:      httpClient,
	}, nil
}

func (c *Client) CreateClaim(ctx context.Context, amount btcutil.Amount) (*odb.Claim, error) {
	if amount <= 0 {
		return nil, errors.Errorf("Claim amount must be positive, got %v", amount)
	}

	var res claimResponse
	err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", claimRequest{
		Mint:   c.mintURL,
		Amount: uint64(amount),
		Unit:   "sat",
	}, &res)
	if err != nil {
		return nil, err
	}

	if res.Quote == "" || res.Request == "" {
		return nil, odb.UpstreamUnavailableError{Service: "mint", Err: errors.New("Claim response is missing quote or request")}
	}

	return &odb.Claim{
		ID:             res.Quote,
		PaymentRequest: res.Request,
		Expiry:         time.Unix(res.Expiry, 0),
	}, nil
}

func (c *Client) ClaimStatus(ctx context.Context, claimId string) (bool, error) {
	var res claimResponse
	err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+url.PathEscape(claimId), nil, &res)
	if err != nil {
		return false, err
	}

	switch res.State {
	case claimStatePaid, claimStateIssued:
		return true, nil
	case claimStateUnpaid:
		return false, nil
	}

	// Older wallets only report a paid flag
	if res.Paid != nil {
		return *res.Paid, nil
	}

	return false, odb.UpstreamUnavailableError{Service: "mint", Err: errors.Errorf("Unknown claim state %q", res.State)}
}

func (c *Client) FinalizeClaim(ctx context.Context, claimId string) error {
	return c.do(ctx, http.MethodPost, "/v1/mint/bolt11/"+url.PathEscape(claimId), nil, nil)
}

func (c *Client) TotalBalance(ctx context.Context) (btcutil.Amount, error) {
	var res balanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balance", nil, &res); err != nil {
		return 0, err
	}

	return btcutil.Amount(res.Balance), nil
}

func (c *Client) Pay(ctx context.Context, paymentRequest string) (*odb.PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, payTimeout)
	defer cancel()

	var res payResponse
	err := c.do(ctx, http.MethodPost, "/v1/melt/bolt11", payRequest{
		Mint:    c.mintURL,
		Request: paymentRequest,
	}, &res)
	if err != nil {
		return nil, err
	}

	result := &odb.PaymentResult{
		Paid: res.State == "PAID",
	}
	if res.Paid != nil {
		result.Paid = *res.Paid
	}
	if res.Preimage != nil {
		result.Preimage = *res.Preimage
	}

	return result, nil
}

// do sends a JSON request and decodes a JSON response. Transport failures
// and undecodable answers are reported as UpstreamUnavailableError, while a
// well-formed refusal from the wallet is returned as a plain error so callers
// can tell "mint down" from "mint said no".
func (c *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Errorf("Could not encode request: %v", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.walletURL+path, reqBody)
	if err != nil {
		return errors.Errorf("Could not create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return odb.UpstreamUnavailableError{Service: "mint", Err: err}
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return odb.UpstreamUnavailableError{Service: "mint", Err: err}
	}

	if res.StatusCode >= 500 {
		return odb.UpstreamUnavailableError{Service: "mint", Err: fmt.Errorf("%v %v returned %v", method, path, res.Status)}
	}

	if res.StatusCode != http.StatusOK {
		var mintErr errorResponse
		if err := json.Unmarshal(resBody, &mintErr); err == nil && mintErr.Detail != "" {
			return errors.Errorf("Mint refused request (code %v): %v", mintErr.Code, mintErr.Detail)
		}
		return errors.Errorf("Mint refused request: %v %v", res.Status, strings.TrimSpace(string(resBody)))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return odb.UpstreamUnavailableError{Service: "mint", Err: fmt.Errorf("malformed response: %v", err)}
	}

	return nil
}
