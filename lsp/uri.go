package lsp

import (
	"net"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/overflowd/odb"
)

// ParseNodeURI parses a "pubkey@host:port" node uri.
func ParseNodeURI(uri string) (*odb.LspNode, error) {
	parts := strings.Split(strings.TrimSpace(uri), "@")
	if len(parts) != 2 || parts[0] == "" {
		return nil, errors.Errorf("Node uri %q is not in pubkey@host:port format", uri)
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return nil, errors.Errorf("Could not split host and port of %q: %v", uri, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Errorf("Could not parse port of %q: %v", uri, err)
	}

	return &odb.LspNode{
		PubKey: odb.PubKey(parts[0]),
		Host:   host,
		Port:   uint16(port),
	}, nil
}

// ParseNodeURIs keeps the clearnet uris we can reach. Tor addresses and
// anything unparsable are skipped.
func ParseNodeURIs(uris []string) []*odb.LspNode {
	var nodes []*odb.LspNode

	for _, uri := range uris {
		node, err := ParseNodeURI(uri)
		if err != nil {
			continue
		}

		if strings.HasSuffix(node.Host, ".onion") {
			continue
		}

		nodes = append(nodes, node)
	}

	return nodes
}
