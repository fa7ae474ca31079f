package client

import (
	"context"
	"net"
)

type localAddrKey struct{}

// WithLocalAddr returns a context that makes connections dialed through
// LocalAddrDialer originate from ip.
func WithLocalAddr(ctx context.Context, ip net.IP) context.Context {
	if ip == nil {
		return ctx
	}
	return context.WithValue(ctx, localAddrKey{}, ip)
}

// LocalAddrFrom returns the source address attached to ctx, if any.
func LocalAddrFrom(ctx context.Context) (net.IP, bool) {
	ip, ok := ctx.Value(localAddrKey{}).(net.IP)
	return ip, ok
}

// LocalAddrDialer wraps d so that each dial binds to the source address
// carried by its context. The network is narrowed to the address family of
// that source so that an IPv4 source never attempts an IPv6 destination.
func LocalAddrDialer(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		ip, ok := LocalAddrFrom(ctx)
		if !ok {
			return d.DialContext(ctx, network, addr)
		}

		bound := *d
		bound.LocalAddr = &net.TCPAddr{IP: ip}
		if network == "tcp" {
			network = "tcp6"
			if ip.To4() != nil {
				network = "tcp4"
			}
		}
		return bound.DialContext(ctx, network, addr)
	}
}
