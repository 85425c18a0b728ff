// Package lsp is a client for LSPS1 style channel order APIs.
package lsp

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

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/overflowd/odb"
)

const defaultTimeout = 30 * time.Second

// Service is what the acquirer needs from an LSP.
type Service interface {
	GetInfo(ctx context.Context) (*odb.LspInfo, error)
	CreateOrder(ctx context.Context, params *odb.OrderParams) (*odb.LspOrder, error)
	GetOrder(ctx context.Context, orderId string) (*odb.LspOrder, error)
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ Service = (*Client)(nil)

// Amounts are transported as decimal strings.
type getInfoResponse struct {
	MinChannelBalanceSat            string   `json:"min_channel_balance_sat"`
	MaxChannelBalanceSat            string   `json:"max_channel_balance_sat"`
	MinInitialClientBalanceSat      string   `json:"min_initial_client_balance_sat"`
	MaxInitialClientBalanceSat      string   `json:"max_initial_client_balance_sat"`
	MinInitialLspBalanceSat         string   `json:"min_initial_lsp_balance_sat"`
	MaxInitialLspBalanceSat         string   `json:"max_initial_lsp_balance_sat"`
	MinRequiredChannelConfirmations uint32   `json:"min_required_channel_confirmations"`
	MinFundingConfirmsWithinBlocks  uint32   `json:"min_funding_confirms_within_blocks"`
	MaxChannelExpiryBlocks          uint32   `json:"max_channel_expiry_blocks"`
	SupportsZeroChannelReserve      bool     `json:"supports_zero_channel_reserve"`
	Uris                            []string `json:"uris"`
}

type createOrderRequest struct {
	LspBalanceSat                string `json:"lsp_balance_sat"`
	ClientBalanceSat             string `json:"client_balance_sat"`
	RequiredChannelConfirmations uint32 `json:"required_channel_confirmations"`
	FundingConfirmsWithinBlocks  uint32 `json:"funding_confirms_within_blocks"`
	ChannelExpiryBlocks          uint32 `json:"channel_expiry_blocks"`
	Token                        string `json:"token"`
	RefundOnchainAddress         string `json:"refund_onchain_address,omitempty"`
	AnnounceChannel              bool   `json:"announce_channel"`
	PublicKey                    string `json:"public_key"`
}

type orderResponse struct {
	OrderId       string `json:"order_id"`
	OrderState    string `json:"order_state"`
	LspBalanceSat string `json:"lsp_balance_sat"`
	Payment       struct {
		Bolt11 struct {
			OrderTotalSat string `json:"order_total_sat"`
			FeeTotalSat   string `json:"fee_total_sat"`
			Invoice       string `json:"invoice"`
			State         string `json:"state"`
			ExpiresAt     string `json:"expires_at"`
		} `json:"bolt11"`
	} `json:"payment"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewClient(config *Config) (*Client, error) {
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, errors.Errorf("Invalid LSP url %v: %v", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    httpClient,
	}, nil
}

func (c *Client) GetInfo(ctx context.Context) (*odb.LspInfo, error) {
	var res getInfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/get_info", nil, &res); err != nil {
		return nil, err
	}

	info := &odb.LspInfo{
		MinRequiredChannelConfirmations: res.MinRequiredChannelConfirmations,
		MinFundingConfirmsWithinBlocks:  res.MinFundingConfirmsWithinBlocks,
		MaxChannelExpiryBlocks:          res.MaxChannelExpiryBlocks,
		Uris:                            res.Uris,
	}

	fields := []struct {
		name  string
		value string
		dest  *btcutil.Amount
	}{
		{"min_channel_balance_sat", res.MinChannelBalanceSat, &info.MinChannelBalance},
		{"max_channel_balance_sat", res.MaxChannelBalanceSat, &info.MaxChannelBalance},
		{"min_initial_client_balance_sat", res.MinInitialClientBalanceSat, &info.MinInitialClientBalance},
		{"max_initial_client_balance_sat", res.MaxInitialClientBalanceSat, &info.MaxInitialClientBalance},
		{"min_initial_lsp_balance_sat", res.MinInitialLspBalanceSat, &info.MinInitialLspBalance},
		{"max_initial_lsp_balance_sat", res.MaxInitialLspBalanceSat, &info.MaxInitialLspBalance},
	}

	for _, field := range fields {
		amount, err := parseSat(field.value)
		if err != nil {
			return nil, odb.UpstreamUnavailableError{Service: "lsp", Err: fmt.Errorf("malformed %v: %v", field.name, err)}
		}
		*field.dest = amount
	}

	return info, nil
}

func (c *Client) CreateOrder(ctx context.Context, params *odb.OrderParams) (*odb.LspOrder, error) {
	req := createOrderRequest{
		LspBalanceSat:                strconv.FormatInt(int64(params.LspBalance), 10),
		ClientBalanceSat:             strconv.FormatInt(int64(params.ClientBalance), 10),
		RequiredChannelConfirmations: params.RequiredChannelConfirmations,
		FundingConfirmsWithinBlocks:  params.FundingConfirmsWithinBlocks,
		ChannelExpiryBlocks:          params.ChannelExpiryBlocks,
		AnnounceChannel:              params.AnnounceChannel,
		PublicKey:                    string(params.PublicKey),
	}

	var res orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/create_order", req, &res); err != nil {
		return nil, err
	}

	return toOrder(&res)
}

func (c *Client) GetOrder(ctx context.Context, orderId string) (*odb.LspOrder, error) {
	var res orderResponse
	path := "/api/v1/get_order?order_id=" + url.QueryEscape(orderId)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}

	return toOrder(&res)
}

func toOrder(res *orderResponse) (*odb.LspOrder, error) {
	if res.OrderId == "" {
		return nil, odb.UpstreamUnavailableError{Service: "lsp", Err: errors.New("Order response without order id")}
	}

	total, err := parseSat(res.Payment.Bolt11.OrderTotalSat)
	if err != nil {
		return nil, odb.UpstreamUnavailableError{Service: "lsp", Err: fmt.Errorf("malformed order_total_sat: %v", err)}
	}

	// Fee and size are informational only
	fee, _ := parseSat(res.Payment.Bolt11.FeeTotalSat)
	size, _ := parseSat(res.LspBalanceSat)

	return &odb.LspOrder{
		OrderID:        res.OrderId,
		ChannelSize:    size,
		PaymentRequest: res.Payment.Bolt11.Invoice,
		OrderTotal:     total,
		FeeTotal:       fee,
		State:          odb.OrderState(res.OrderState),
		PaymentState:   res.Payment.Bolt11.State,
	}, nil
}

func parseSat(value string) (btcutil.Amount, error) {
	sat, err := strconv.ParseUint(strings.TrimSpace(value), 10, 63)
	if err != nil {
		return 0, err
	}
	return btcutil.Amount(sat), nil
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Errorf("Could not encode request: %v", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Errorf("Could not create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return odb.UpstreamUnavailableError{Service: "lsp", Err: err}
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return odb.UpstreamUnavailableError{Service: "lsp", Err: err}
	}

	if res.StatusCode >= 500 {
		return odb.UpstreamUnavailableError{Service: "lsp", Err: fmt.Errorf("%v %v returned %v", method, path, res.Status)}
	}

	if res.StatusCode != http.StatusOK {
		var lspErr errorResponse
		if err := json.Unmarshal(resBody, &lspErr); err == nil && lspErr.Message != "" {
			return errors.Errorf("LSP refused request (code %v): %v", lspErr.Code, lspErr.Message)
		}
		return errors.Errorf("LSP refused request: %v %v", res.Status, strings.TrimSpace(string(resBody)))
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return odb.UpstreamUnavailableError{Service: "lsp", Err: fmt.Errorf("malformed response: %v", err)}
	}

	return nil
}
