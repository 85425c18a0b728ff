package lndc

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"github.com/the-lightning-land/overflowd/odb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const (
	invoiceExpiry      = 3600
	connectPeerTimeout = 30
)

var alreadyConnectedRegex = regexp.MustCompile(`(?i)already connected`)

type Client struct {
	client lnrpc.LightningClient
	conn   *grpc.ClientConn
	now    func() time.Time

	mu             sync.Mutex
	identityPubKey odb.PubKey
}

type Config struct {
	TlsCertPath  string
	RpcServer    string
	MacaroonPath string
}

func NewClient(config *Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(config.TlsCertPath, "")
	if err != nil {
		return nil, errors.Errorf("Could not read tls cert %v: %v", config.TlsCertPath, err)
	}

	macaroonCreds, err := makeMacaroonCredentialFromPath(config.MacaroonPath)
	if err != nil {
		return nil, errors.Errorf("Could not make macaroon: %v", err)
	}

	conn, err := grpc.Dial(config.RpcServer,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCreds),
	)
	if err != nil {
		return nil, errors.Errorf("Could not connect to lightning node: %v", err)
	}

	client := newClient(lnrpc.NewLightningClient(conn))
	client.conn = conn

	return client, nil
}

func newClient(rpc lnrpc.LightningClient) *Client {
	return &Client{
		client: rpc,
		now:    time.Now,
	}
}

func (client *Client) Close() error {
	if client.conn == nil {
		return nil
	}

	return client.conn.Close()
}

func (client *Client) IdentityPubKey(ctx context.Context) (odb.PubKey, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	// Once saved, we can assume that the identity pubkey always stays the same
	if client.identityPubKey != "" {
		return client.identityPubKey, nil
	}

	info, err := client.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return "", errors.Errorf("Could not get info: %v", err)
	}

	client.identityPubKey = odb.PubKey(info.IdentityPubkey)

	return client.identityPubKey, nil
}

// Channels lists all open channels, including inactive ones.
func (client *Client) Channels(ctx context.Context) ([]*odb.Channel, error) {
	channelList, err := client.client.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, errors.Errorf("Could not list channels: %v", err)
	}

	channels := make([]*odb.Channel, 0, len(channelList.Channels))
	for _, channel := range channelList.Channels {
		channels = append(channels, &odb.Channel{
			ChanId:       odb.ChanId(channel.ChanId),
			Capacity:     btcutil.Amount(channel.Capacity),
			LocalBalance: btcutil.Amount(channel.LocalBalance),
			ToNode:       odb.PubKey(channel.RemotePubkey),
			Active:       channel.Active,
		})
	}

	return channels, nil
}

// ConnectPeer connects to the node. An existing connection counts as
// success.
func (client *Client) ConnectPeer(ctx context.Context, node *odb.LspNode) error {
	_, err := client.client.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: string(node.PubKey),
			Host:   net.JoinHostPort(node.Host, strconv.Itoa(int(node.Port))),
		},
		Timeout: connectPeerTimeout,
	})

	return mapConnectError(err)
}

func mapConnectError(err error) error {
	if err == nil {
		return nil
	}

	if alreadyConnectedRegex.MatchString(err.Error()) {
		return nil
	}

	return errors.Errorf("Could not connect peer: %v", err)
}

func (client *Client) AddInvoice(ctx context.Context, req odb.InvoiceRequest) (*odb.Invoice, error) {
	addInvoice, err := client.client.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      req.Description,
		ValueMsat: int64(req.AmountMsat),
		Expiry:    invoiceExpiry,
	})
	if err != nil {
		return nil, errors.Errorf("Could not add invoice: %v", err)
	}

	return &odb.Invoice{
		PaymentRequest: addInvoice.PaymentRequest,
		PaymentHash:    hex.EncodeToString(addInvoice.RHash),
		PaymentSecret:  hex.EncodeToString(addInvoice.PaymentAddr),
		ExpiresAt:      client.now().Add(invoiceExpiry * time.Second).Unix(),
		CreatedIndex:   addInvoice.AddIndex,
	}, nil
}

func makeMacaroonCredentialFromPath(path string) (credentials.PerRPCCredentials, error) {
	macaroonBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("Could not read macaroon %v", path)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Errorf("Could not parse macaroon %v: %v", path, err)
	}

	cred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "Could not make macaroon credential")
	}

	return cred, nil
}
