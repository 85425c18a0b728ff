package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/intercept"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/mint"
	"github.com/the-lightning-land/overflowd/odb"
	"github.com/the-lightning-land/overflowd/reconciler"
	"github.com/the-lightning-land/overflowd/rpc"
)

type fakeNode struct {
	invoices []odb.InvoiceRequest
}

func (n *fakeNode) IdentityPubKey(ctx context.Context) (odb.PubKey, error) {
	return "02aaaa", nil
}

func (n *fakeNode) AddInvoice(ctx context.Context, req odb.InvoiceRequest) (*odb.Invoice, error) {
	n.invoices = append(n.invoices, req)
	return &odb.Invoice{
		PaymentRequest: "lnbcrt10n1node",
		PaymentHash:    "01be",
		PaymentSecret:  "a95b",
		ExpiresAt:      1729325931,
		CreatedIndex:   2,
	}, nil
}

type fakeOracle struct {
	liquidity lnwire.MilliSatoshi
}

func (o *fakeOracle) AvailableInboundLiquidity(ctx context.Context) (lnwire.MilliSatoshi, error) {
	return o.liquidity, nil
}

type testServer struct {
	client *rpc.Client
	url    string
	node   *fakeNode
	wallet *mint.MemoryWallet
}

func newTestServer(t *testing.T, liquidity lnwire.MilliSatoshi) *testServer {
	wallet := mint.NewMemoryWallet(&mint.MemoryWalletConfig{Balance: 21})

	l, err := ledger.New(&ledger.Config{Wallet: wallet})
	require.NoError(t, err)

	interceptor, err := intercept.New(&intercept.Config{
		Oracle: &fakeOracle{liquidity: liquidity},
		Ledger: l,
	})
	require.NoError(t, err)

	r, err := reconciler.NewReconciler(&reconciler.Config{Ledger: l})
	require.NoError(t, err)

	node := &fakeNode{}

	server := newRPCServer(&rpcServerConfig{
		node:        node,
		ledger:      l,
		interceptor: interceptor,
		reconciler:  r,
		recorder:    events.NewRecorder(10),
		version:     "0.1.0",
		commit:      "abcdef",
	})

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	return &testServer{
		client: rpc.NewClient(httpServer.URL),
		url:    httpServer.URL,
		node:   node,
		wallet: wallet,
	}
}

func TestGetInfo(t *testing.T) {
	s := newTestServer(t, 0)

	info, err := s.client.GetInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.1.0", info.Version)
	assert.Equal(t, "02aaaa", info.IdentityPubKey)
	assert.Equal(t, 0, info.PendingQuotes)
}

func TestCreateInvoicePassThrough(t *testing.T) {
	s := newTestServer(t, 1000000)

	res, err := s.client.CreateInvoice(context.Background(), &rpc.CreateInvoiceRequest{
		AmountMsat:  100000,
		Description: "desc",
		Label:       "lab",
	})
	require.NoError(t, err)

	assert.Equal(t, "continue", res.Action)
	assert.Equal(t, "lnbcrt10n1node", res.PaymentRequest)
	require.Len(t, s.node.invoices, 1)
	assert.Equal(t, lnwire.MilliSatoshi(100000), s.node.invoices[0].AmountMsat)
}

func TestCreateInvoiceReplaceAndReconcile(t *testing.T) {
	s := newTestServer(t, 100000)
	ctx := context.Background()

	res, err := s.client.CreateInvoice(ctx, &rpc.CreateInvoiceRequest{AmountMsat: 500000})
	require.NoError(t, err)

	assert.Equal(t, "replace", res.Action)
	assert.Equal(t, intercept.PlaceholderPaymentHash.String(), res.PaymentHash)
	assert.NotEmpty(t, res.QuoteId)
	assert.Empty(t, s.node.invoices)

	quotes, err := s.client.ListQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes.Quotes, 1)
	assert.Equal(t, int64(500), quotes.Quotes[0].AmountSat)

	require.NoError(t, s.wallet.SimulatePayment(res.QuoteId))

	report, err := s.client.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)

	info, err := s.client.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(521), info.EcashBalance)
	assert.Equal(t, 0, info.PendingQuotes)
}

func TestCreateInvoiceRefused(t *testing.T) {
	s := newTestServer(t, 0)

	body, _ := json.Marshal(&rpc.CreateInvoiceRequest{AmountMsat: 999})
	res, err := http.Post(s.url+"/v1/invoices", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	var errRes rpc.ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&errRes))
	assert.Equal(t, uint64(999), errRes.ShortfallMsat)
}

func TestRpcCommandHook(t *testing.T) {
	s := newTestServer(t, 1000000)

	payload := `{"rpc_command":{"id":"cli:invoice#1","jsonrpc":"2.0","method":"invoice","params":[1000,"desc","lab"]}}`
	res, err := http.Post(s.url+"/v1/hooks/rpc_command", "application/json", bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	defer res.Body.Close()

	var hook map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&hook))
	assert.Equal(t, map[string]interface{}{"result": "continue"}, hook)
}

func TestListEvents(t *testing.T) {
	s := newTestServer(t, 0)

	res, err := s.client.ListEvents(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, res.Events)
}
