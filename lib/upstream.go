package lib

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

type UpstreamDNS interface {
	Query(ctx context.Context, query []byte) ([]byte, error)
	String() string
}

type UpstreamUDP struct {
	address string
	dialer  *net.Dialer
}

func NewUpstreamUDP(address string, dialer *net.Dialer) *UpstreamUDP {
	return &UpstreamUDP{
		address: address,
		dialer:  dialer,
	}
}

func (u *UpstreamUDP) Query(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := u.dialer.DialContext(ctx, "udp", u.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_, err = conn.Write(query)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, dns.MaxMsgSize)
	setDeadline(ctx, conn)

	n, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}

	return buffer[:n], nil
}

func (u *UpstreamUDP) String() string {
	return "udp://" + u.address
}

// UpstreamSOCKS5 sends queries over TCP, tunneled through a SOCKS5 proxy.
// UDP ASSOCIATE is not used; most SOCKS5 servers only relay TCP.
type UpstreamSOCKS5 struct {
	address string
	socks5  string
	dialer  proxy.ContextDialer
}

func NewUpstreamSOCKS5(address, socks5 string, forward *net.Dialer) (*UpstreamSOCKS5, error) {
	d, err := proxy.SOCKS5("tcp", socks5, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", socks5, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 proxy %s: dialer does not support contexts", socks5)
	}
	return &UpstreamSOCKS5{
		address: address,
		socks5:  socks5,
		dialer:  cd,
	}, nil
}

func (u *UpstreamSOCKS5) Query(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := u.dialer.DialContext(ctx, "tcp", u.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	setDeadline(ctx, conn)

	// dns.Conn adds the two byte length prefix on stream connections.
	co := &dns.Conn{Conn: conn}
	if _, err := co.Write(query); err != nil {
		return nil, err
	}

	buffer := make([]byte, dns.MaxMsgSize)
	n, err := co.Read(buffer)
	if err != nil {
		return nil, err
	}
	return buffer[:n], nil
}

func (u *UpstreamSOCKS5) String() string {
	return "tcp://" + u.address + " via socks5://" + u.socks5
}

func setDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}
}

// NewUpstream picks the transport for u: plain UDP, or TCP through the
// SOCKS5 hop when one is configured.
func NewUpstream(u Upstream, dialer *net.Dialer) (UpstreamDNS, error) {
	if u.HasSocks5() {
		return NewUpstreamSOCKS5(u.Addr.String(), u.Socks5.String(), dialer)
	}
	return NewUpstreamUDP(u.Addr.String(), dialer), nil
}

// Router maps region labels to upstreams built from a resolved Config.
// Regions that share a descriptor share one UpstreamDNS.
type Router struct {
	regions  map[string]UpstreamDNS
	fallback UpstreamDNS
}

// NewRouter creates an UpstreamDNS for every distinct upstream in config.
func NewRouter(config *Config, logger *zap.Logger) (*Router, error) {
	dialer := &net.Dialer{}
	built := make(map[Upstream]UpstreamDNS)
	get := func(u Upstream) (UpstreamDNS, error) {
		if up, ok := built[u]; ok {
			return up, nil
		}
		up, err := NewUpstream(u, dialer)
		if err != nil {
			return nil, err
		}
		built[u] = up
		return up, nil
	}

	fallback, err := get(config.Default())
	if err != nil {
		return nil, fmt.Errorf("default upstream: %w", err)
	}

	regions := make(map[string]UpstreamDNS, config.Len())
	for _, region := range config.Regions() {
		u, _ := config.Lookup(region)
		up, err := get(u)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		regions[region] = up
		logger.Debug("Region routed", zap.String("region", region), zap.String("upstream", up.String()))
	}

	logger.Info("Router ready",
		zap.String("default", fallback.String()),
		zap.Int("regions", len(regions)),
		zap.Int("upstreams", len(built)),
	)
	return &Router{regions: regions, fallback: fallback}, nil
}

// Route returns the upstream for region, or the default upstream when
// region has no rule.
func (r *Router) Route(region string) UpstreamDNS {
	if up, ok := r.regions[region]; ok {
		return up
	}
	return r.fallback
}

func (r *Router) Default() UpstreamDNS {
	return r.fallback
}
