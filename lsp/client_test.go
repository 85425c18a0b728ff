package lsp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/the-lightning-land/overflowd/odb"
)

const getInfoFixture = `{
  "max_channel_balance_sat": "16777215",
  "max_channel_expiry_blocks": 12960,
  "max_initial_client_balance_sat": "0",
  "max_initial_lsp_balance_sat": "16777215",
  "min_channel_balance_sat": "20000",
  "min_funding_confirms_within_blocks": 6,
  "min_initial_client_balance_sat": "0",
  "min_initial_lsp_balance_sat": "20000",
  "min_onchain_payment_confirmations": null,
  "min_onchain_payment_size_sat": null,
  "min_required_channel_confirmations": 0,
  "supports_zero_channel_reserve": true,
  "uris": ["031b301307574bbe9b9ac7b79cbe1700e31e544513eae0b5d7497483083f99e581@45.79.192.236:9735"]
}`

const orderFixture = `{
  "announce_channel": true,
  "channel": null,
  "channel_expiry_blocks": 12960,
  "client_balance_sat": "0",
  "funding_confirms_within_blocks": 6,
  "created_at": "2024-10-19T10:00:00Z",
  "lsp_balance_sat": "1000000",
  "order_id": "ord-1",
  "order_state": "CREATED",
  "payment": {
    "bolt11": {
      "order_total_sat": "12500",
      "fee_total_sat": "12500",
      "invoice": "lntbs125u1...",
      "state": "EXPECT_PAYMENT",
      "expires_at": "2024-10-19T11:00:00Z"
    }
  },
  "token": ""
}`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{BaseURL: server.URL})
	require.NoError(t, err)

	return client
}

func TestGetInfo(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/get_info", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, getInfoFixture)
	})

	info, err := newTestClient(t, r).GetInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, btcutil.Amount(20000), info.MinInitialLspBalance)
	assert.Equal(t, btcutil.Amount(16777215), info.MaxInitialLspBalance)
	assert.Equal(t, uint32(12960), info.MaxChannelExpiryBlocks)
	assert.Len(t, info.Uris, 1)
}

func TestGetInfoMalformedAmount(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/get_info", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `{"min_channel_balance_sat": "lots"}`)
	})

	_, err := newTestClient(t, r).GetInfo(context.Background())

	var upstreamErr odb.UpstreamUnavailableError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "lsp", upstreamErr.Service)
}

func TestCreateAndGetOrder(t *testing.T) {
	var received createOrderRequest

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/create_order", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&received))
		io.WriteString(w, orderFixture)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/get_order", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "ord-1", req.URL.Query().Get("order_id"))
		io.WriteString(w, orderFixture)
	}).Methods(http.MethodGet)

	client := newTestClient(t, r)

	order, err := client.CreateOrder(context.Background(), &odb.OrderParams{
		LspBalance:          1000000,
		ChannelExpiryBlocks: 12960,
		AnnounceChannel:     true,
		PublicKey:           "02abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "1000000", received.LspBalanceSat)
	assert.Equal(t, "0", received.ClientBalanceSat)
	assert.Equal(t, "02abc", received.PublicKey)

	assert.Equal(t, "ord-1", order.OrderID)
	assert.Equal(t, btcutil.Amount(12500), order.OrderTotal)
	assert.Equal(t, btcutil.Amount(1000000), order.ChannelSize)
	assert.Equal(t, "lntbs125u1...", order.PaymentRequest)
	assert.Equal(t, odb.OrderStateCreated, order.State)

	order, err = client.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "EXPECT_PAYMENT", order.PaymentState)
}

func TestCreateOrderRefused(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/create_order", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code": 100, "message": "Invalid params"}`)
	})

	_, err := newTestClient(t, r).CreateOrder(context.Background(), &odb.OrderParams{LspBalance: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid params")
}
