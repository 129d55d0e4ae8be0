// Package dnsaddr resolves dns4/dns6 multiaddr components to concrete IP
// addresses so dialers can reach /dns4/host/tcp/port style peers.
package dnsaddr

import (
	"context"
	"errors"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
)

var (
	// ErrNotDNS is returned when the multiaddr has no dns4/dns6 + tcp
	// pair to resolve.
	ErrNotDNS = errors.New("multiaddr has no dns component")

	// ErrNoAddresses is returned when the lookup yields no usable
	// address.
	ErrNoAddresses = errors.New("no addresses found")
)

// Resolver turns /dnsX/host/tcp/port multiaddrs into /ipX/addr/tcp/port
// ones, re-appending a trailing /p2p/ component when present.
type Resolver struct {
	lookup *net.Resolver
}

// New creates a Resolver. A nil lookup uses net.DefaultResolver.
func New(lookup *net.Resolver) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{lookup: lookup}
}

// dnsTarget is the part of a multiaddr a lookup replaces.
type dnsTarget struct {
	domain string
	port   string
	v6     bool
	peer   string // base58 peer ID from a trailing /p2p/, if any
}

// parse extracts the dns4/dns6 + tcp pair and an optional trailing peer
// component.
func parse(addr ma.Multiaddr) (*dnsTarget, error) {
	var target *dnsTarget
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		switch c.Protocol().Code {
		case ma.P_DNS4, ma.P_DNS6:
			if target == nil && i+1 < len(addr) && addr[i+1].Protocol().Code == ma.P_TCP {
				target = &dnsTarget{
					domain: c.Value(),
					port:   addr[i+1].Value(),
					v6:     c.Protocol().Code == ma.P_DNS6,
				}
				i++
			}
		case ma.P_P2P:
			if target != nil {
				target.peer = c.Value()
			}
		}
	}

	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotDNS, addr)
	}
	return target, nil
}

// Resolve replaces the dns component of addr with the first resolved IP
// of the matching family. The lookup blocks the calling goroutine only.
func (r *Resolver) Resolve(ctx context.Context, addr ma.Multiaddr) (ma.Multiaddr, error) {
	target, err := parse(addr)
	if err != nil {
		return nil, err
	}

	family := "ip4"
	if target.v6 {
		family = "ip6"
	}
	ips, err := r.lookup.LookupIP(ctx, family, target.domain)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target.domain, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, target.domain)
	}

	resolved, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", family, ips[0], target.port))
	if err != nil {
		return nil, fmt.Errorf("build resolved multiaddr: %w", err)
	}

	if target.peer != "" {
		peer, err := ma.NewMultiaddr("/p2p/" + target.peer)
		if err != nil {
			return nil, fmt.Errorf("re-append peer component: %w", err)
		}
		resolved = resolved.Encapsulate(peer)
	}

	return resolved, nil
}
