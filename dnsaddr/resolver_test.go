package dnsaddr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/postalsys/secio/peerid"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q) error = %v", s, err)
	}
	return addr
}

func TestResolveDNS4(t *testing.T) {
	r := New(nil)

	resolved, err := r.Resolve(context.Background(), mustAddr(t, "/dns4/localhost/tcp/80"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := mustAddr(t, "/ip4/127.0.0.1/tcp/80")
	if !resolved.Equal(want) {
		t.Errorf("Resolve() = %s, want %s", resolved, want)
	}
}

func TestResolveKeepsPeerComponent(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	peer := peerid.FromPublicKey(priv.PubKey().SerializeCompressed())

	r := New(nil)
	resolved, err := r.Resolve(context.Background(),
		mustAddr(t, "/dns4/localhost/tcp/80/p2p/"+peer.Base58()))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !strings.Contains(resolved.String(), "/p2p/"+peer.Base58()) {
		t.Errorf("Resolve() = %s, lost the /p2p/ component", resolved)
	}
	if !strings.HasPrefix(resolved.String(), "/ip4/127.0.0.1/tcp/80") {
		t.Errorf("Resolve() = %s, want an /ip4/127.0.0.1/tcp/80 prefix", resolved)
	}
}

func TestResolveRejectsNonDNS(t *testing.T) {
	r := New(nil)

	for _, s := range []string{
		"/ip4/127.0.0.1/tcp/80",
		"/dns4/localhost",
		"/tcp/80",
	} {
		if _, err := r.Resolve(context.Background(), mustAddr(t, s)); !errors.Is(err, ErrNotDNS) {
			t.Errorf("Resolve(%q) error = %v, want ErrNotDNS", s, err)
		}
	}
}

func TestResolveUnknownHost(t *testing.T) {
	r := New(nil)

	if _, err := r.Resolve(context.Background(),
		mustAddr(t, "/dns4/host.invalid/tcp/80")); err == nil {
		t.Error("Resolve() of an invalid host should fail")
	}
}
