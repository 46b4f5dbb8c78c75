package main

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/netheril96/dns-region-forwarder/lib"
)

// Forwarder answers DNS queries by relaying them to the upstream chosen by a router.
type Forwarder struct {
	router   *lib.Router
	classify func(q dns.Question) string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewForwarder creates a Forwarder. Region classification lives outside this
// program, so every query is classified into the empty region and therefore
// goes to the default upstream.
func NewForwarder(router *lib.Router, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		router:   router,
		classify: func(dns.Question) string { return "" },
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// ServeDNS implements dns.Handler.
func (f *Forwarder) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(m)
		return
	}

	upstream := f.router.Route(f.classify(r.Question[0]))
	resp, err := f.forward(upstream, r)
	if err != nil {
		f.logger.Warn("Upstream failed",
			zap.String("upstream", upstream.String()),
			zap.String("name", r.Question[0].Name),
			zap.Error(err),
		)
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		resp.Truncate(udpSize(r))
	}
	if err := w.WriteMsg(resp); err != nil {
		f.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (f *Forwarder) forward(upstream lib.UpstreamDNS, r *dns.Msg) (*dns.Msg, error) {
	query, err := r.Pack()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	data, err := upstream.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(data); err != nil {
		return nil, err
	}
	return resp, nil
}

// udpSize returns the largest response the client accepts over UDP.
func udpSize(r *dns.Msg) int {
	if opt := r.IsEdns0(); opt != nil && int(opt.UDPSize()) > dns.MinMsgSize {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}
