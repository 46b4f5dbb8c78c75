package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/netheril96/dns-region-forwarder/lib"
)

func serve(t *testing.T, handler dns.Handler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go srv.ActivateAndServe()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func newRouter(t *testing.T, upstream string) *lib.Router {
	t.Helper()
	dir := t.TempDir()
	content := "listen = \"127.0.0.1:53\"\n\n[server.a]\naddr = \"" + upstream + "\"\n\n[rule]\nelse = \"a\"\n"
	if err := os.WriteFile(filepath.Join(dir, lib.ConfigFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	config, err := lib.LoadConfig(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	router, err := lib.NewRouter(config, zap.NewNop())
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return router
}

func TestForwarder_RelaysToDefault(t *testing.T) {
	upstream := serve(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP("192.0.2.7"),
		})
		_ = w.WriteMsg(m)
	}))
	listen := serve(t, NewForwarder(newRouter(t, upstream), zap.NewNop()))

	q := new(dns.Msg)
	q.SetQuestion("example.org.", dns.TypeA)
	resp, _, err := new(dns.Client).Exchange(q, listen)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %s", dns.RcodeToString[resp.Rcode])
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected one answer, got %v", resp.Answer)
	}
	if a, ok := resp.Answer[0].(*dns.A); !ok || !a.A.Equal(net.ParseIP("192.0.2.7")) {
		t.Fatalf("unexpected answer %v", resp.Answer[0])
	}
}

func TestForwarder_TruncatesToClientSize(t *testing.T) {
	upstream := serve(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		for i := 0; i < 60; i++ {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(192, 0, 2, byte(i+1)),
			})
		}
		_ = w.WriteMsg(m)
	}))
	listen := serve(t, NewForwarder(newRouter(t, upstream), zap.NewNop()))

	q := new(dns.Msg)
	q.SetQuestion("example.org.", dns.TypeA)
	resp, _, err := new(dns.Client).Exchange(q, listen)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !resp.Truncated {
		t.Fatalf("expected TC bit without EDNS0")
	}
	if len(resp.Answer) >= 60 {
		t.Fatalf("expected fewer than 60 answers, got %d", len(resp.Answer))
	}

	q = new(dns.Msg)
	q.SetQuestion("example.org.", dns.TypeA)
	q.SetEdns0(4096, false)
	resp, _, err = new(dns.Client).Exchange(q, listen)
	if err != nil {
		t.Fatalf("exchange with edns0: %v", err)
	}
	if resp.Truncated {
		t.Fatalf("response fits in 4096 bytes and should not be truncated")
	}
	if len(resp.Answer) != 60 {
		t.Fatalf("expected 60 answers, got %d", len(resp.Answer))
	}
}

func TestForwarder_ServerFailureWhenUpstreamDown(t *testing.T) {
	// Reserve a port and close it so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := pc.LocalAddr().String()
	pc.Close()

	f := NewForwarder(newRouter(t, dead), zap.NewNop())
	f.timeout = 200 * time.Millisecond
	listen := serve(t, f)

	q := new(dns.Msg)
	q.SetQuestion("example.org.", dns.TypeA)
	resp, _, err := (&dns.Client{Timeout: 5 * time.Second}).Exchange(q, listen)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Rcode != dns.RcodeServerFailure {
		t.Fatalf("rcode = %s, want SERVFAIL", dns.RcodeToString[resp.Rcode])
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{"-config", "/etc/dns", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.ConfigDir != "/etc/dns" || opts.LogLevel != "debug" {
		t.Fatalf("unexpected options %+v", opts)
	}

	opts, err = ParseOptions(nil)
	if err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	if opts.ConfigDir != "." || opts.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", opts)
	}

	if _, err := ParseOptions([]string{"extra"}); err == nil {
		t.Fatalf("expected error for positional arguments")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("warn"); err != nil {
		t.Fatalf("warn: %v", err)
	}
	if _, err := NewLogger("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
