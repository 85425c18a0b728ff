package lndc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/the-lightning-land/overflowd/odb"
	"google.golang.org/grpc"
)

type fakeLightningClient struct {
	lnrpc.LightningClient

	getInfoCalls int
	connectErr   error
	connectReq   *lnrpc.ConnectPeerRequest
	invoiceReq   *lnrpc.Invoice
}

func (f *fakeLightningClient) GetInfo(ctx context.Context, in *lnrpc.GetInfoRequest, opts ...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {
	f.getInfoCalls++
	return &lnrpc.GetInfoResponse{IdentityPubkey: "02aaaa"}, nil
}

func (f *fakeLightningClient) ListChannels(ctx context.Context, in *lnrpc.ListChannelsRequest, opts ...grpc.CallOption) (*lnrpc.ListChannelsResponse, error) {
	return &lnrpc.ListChannelsResponse{Channels: []*lnrpc.Channel{
		{ChanId: 613315282598428673, Active: true, Capacity: 1000000, LocalBalance: 250000, RemotePubkey: "02bbbb"},
		{ChanId: 2, Active: false, Capacity: 500000, LocalBalance: 0, RemotePubkey: "02cccc"},
	}}, nil
}

func (f *fakeLightningClient) ConnectPeer(ctx context.Context, in *lnrpc.ConnectPeerRequest, opts ...grpc.CallOption) (*lnrpc.ConnectPeerResponse, error) {
	f.connectReq = in
	return &lnrpc.ConnectPeerResponse{}, f.connectErr
}

func (f *fakeLightningClient) AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
	f.invoiceReq = in
	return &lnrpc.AddInvoiceResponse{
		RHash:          []byte{0x01, 0xbe},
		PaymentRequest: "lntbs10n1...",
		AddIndex:       2,
		PaymentAddr:    []byte{0xa9, 0x5b},
	}, nil
}

func TestIdentityPubKeyIsCached(t *testing.T) {
	rpc := &fakeLightningClient{}
	client := newClient(rpc)

	for i := 0; i < 3; i++ {
		pubKey, err := client.IdentityPubKey(context.Background())
		if err != nil {
			t.Fatalf("Could not get identity pubkey: %v", err)
		}
		if pubKey != "02aaaa" {
			t.Errorf("Expected pubkey 02aaaa; got %v", pubKey)
		}
	}

	if rpc.getInfoCalls != 1 {
		t.Errorf("Expected a single GetInfo call; got %v", rpc.getInfoCalls)
	}
}

func TestChannels(t *testing.T) {
	client := newClient(&fakeLightningClient{})

	channels, err := client.Channels(context.Background())
	if err != nil {
		t.Fatalf("Could not list channels: %v", err)
	}

	if len(channels) != 2 {
		t.Fatalf("Expected 2 channels; got %v", len(channels))
	}

	channel := channels[0]
	if channel.ChanId.ShortChanId().String() != "557807x665x1" {
		t.Errorf("Expected short channel id 557807x665x1; got %v", channel.ChanId.ShortChanId())
	}
	if channel.LocalBalance != btcutil.Amount(250000) || channel.Capacity != btcutil.Amount(1000000) {
		t.Errorf("Unexpected balances %v/%v", channel.LocalBalance, channel.Capacity)
	}
	if channels[1].Active {
		t.Errorf("Expected second channel to be inactive")
	}
}

func TestConnectPeer(t *testing.T) {
	rpc := &fakeLightningClient{}
	client := newClient(rpc)

	node := &odb.LspNode{PubKey: "02bbbb", Host: "2001:db8::1", Port: 9735}
	if err := client.ConnectPeer(context.Background(), node); err != nil {
		t.Fatalf("Could not connect: %v", err)
	}

	if rpc.connectReq.Addr.Host != "[2001:db8::1]:9735" {
		t.Errorf("Unexpected host %v", rpc.connectReq.Addr.Host)
	}

	rpc.connectErr = errors.New("rpc error: code = Unknown desc = already connected to peer: 02bbbb@1.2.3.4:9735")
	if err := client.ConnectPeer(context.Background(), node); err != nil {
		t.Errorf("Expected already connected to be ignored; got %v", err)
	}

	rpc.connectErr = errors.New("rpc error: code = Unknown desc = dial tcp: i/o timeout")
	if err := client.ConnectPeer(context.Background(), node); err == nil {
		t.Errorf("Expected connection error")
	}
}

func TestAddInvoice(t *testing.T) {
	rpc := &fakeLightningClient{}
	client := newClient(rpc)
	client.now = func() time.Time { return time.Unix(1729322331, 0) }

	invoice, err := client.AddInvoice(context.Background(), odb.InvoiceRequest{
		AmountMsat:  1000,
		Description: "desc",
		Label:       "lab",
	})
	if err != nil {
		t.Fatalf("Could not add invoice: %v", err)
	}

	if rpc.invoiceReq.ValueMsat != 1000 || rpc.invoiceReq.Memo != "desc" {
		t.Errorf("Unexpected invoice request %v", rpc.invoiceReq)
	}
	if invoice.PaymentHash != "01be" || invoice.PaymentSecret != "a95b" {
		t.Errorf("Unexpected hash %v or secret %v", invoice.PaymentHash, invoice.PaymentSecret)
	}
	if invoice.ExpiresAt != 1729325931 {
		t.Errorf("Expected expiry 1729325931; got %v", invoice.ExpiresAt)
	}
	if invoice.CreatedIndex != 2 {
		t.Errorf("Expected created index 2; got %v", invoice.CreatedIndex)
	}
}
