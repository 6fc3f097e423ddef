package httpstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// resolveOnce looks host up and returns the first address. IP literals are
// returned unchanged.
func resolveOnce(ctx context.Context, resolver *net.Resolver, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolving %s: no addresses", host)
	}
	return addrs[0], nil
}

// pinnedTransport returns a transport that dials addr whenever host is
// requested, so every connection of the process lands on one endpoint.
func pinnedTransport(base *http.Transport, host, addr string) *http.Transport {
	tr := base.Clone()
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		if h, port, err := net.SplitHostPort(address); err == nil && h == host {
			address = net.JoinHostPort(addr, port)
		}
		return dialer.DialContext(ctx, network, address)
	}
	return tr
}
