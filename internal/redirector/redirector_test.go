package redirector

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/event"
)

// fakeBlocks is a BlockChecker whose answer can be flipped mid-test.
type fakeBlocks struct {
	mu  sync.Mutex
	set map[netip.Addr]bool
}

func (f *fakeBlocks) Blocked(addr netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[addr]
}

func (f *fakeBlocks) ban(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = make(map[netip.Addr]bool)
	}
	f.set[netip.MustParseAddr(addr)] = true
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) add(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) metas() []event.ConnectMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.ConnectMeta, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Meta.(event.ConnectMeta))
	}
	return out
}

// startUpstream listens on a random port. Every connection gets name+"\n"
// and then an echo of its input until EOF.
func startUpstream(t *testing.T, name string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.WriteString(c, name+"\n")
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(backend, decoy string) config.RedirectorConfig {
	cfg := config.DefaultRedirector()
	cfg.Enabled = true
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BackendAddr = backend
	cfg.DecoyAddr = decoy
	cfg.ConnectTimeout = time.Second
	cfg.HalfCloseGrace = 200 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg config.RedirectorConfig, blocks BlockChecker) (*Server, *eventLog) {
	t.Helper()
	log := &eventLog{}
	srv, err := New(cfg, blocks, log.add, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, log
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readGreeting(t *testing.T, conn net.Conn) string {
	t.Helper()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	return line[:len(line)-1]
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func waitForCondition(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestClassifyPriority(t *testing.T) {
	blocks := &fakeBlocks{}
	blocks.ban("10.0.0.1")

	cfg := testConfig("127.0.0.1:22", "127.0.0.1:2222")
	cfg.AllowList = []string{"10.0.0.0/24", "192.0.2.7"}
	cfg.ForceDecoy = []string{"10.0.0.2"}
	srv, err := New(cfg, blocks, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		addr string
		want Route
	}{
		{"10.0.0.1", RouteRefused}, // blocked beats allow-list
		{"10.0.0.2", RouteDecoy},   // force-decoy beats allow-list
		{"10.0.0.3", RouteBackend},
		{"192.0.2.7", RouteBackend},
		{"::ffff:192.0.2.7", RouteBackend},
		{"198.51.100.1", RouteDecoy},
		{"2001:db8::1", RouteDecoy},
	}
	for _, tt := range tests {
		if got := srv.Classify(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig("127.0.0.1:22", "127.0.0.1:2222")
	cfg.AllowList = []string{"not-an-ip"}
	if _, err := New(cfg, nil, nil, nil); err == nil {
		t.Error("expected error for invalid allow-list entry")
	}

	cfg = testConfig("127.0.0.1:22", "127.0.0.1:2222")
	cfg.Service = "telnet"
	if _, err := New(cfg, nil, nil, nil); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestUnknownSourceGoesToDecoy(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	srv, log := startServer(t, cfg, &fakeBlocks{})

	conn := dial(t, srv)
	if got := readGreeting(t, conn); got != "decoy" {
		t.Fatalf("routed to %q, want decoy", got)
	}

	if !waitForCondition(time.Second, func() bool { return len(log.metas()) == 1 }) {
		t.Fatal("expected one connect_attempt event")
	}
	meta := log.metas()[0]
	if meta.Route != string(RouteDecoy) || meta.Outcome != "" || meta.ConnID == "" {
		t.Errorf("unexpected event metadata: %+v", meta)
	}
	if meta.DstPort != portOf(cfg.BackendAddr) {
		t.Errorf("DstPort = %d, want backend port", meta.DstPort)
	}
	if m := srv.Metrics(); m.Decoy != 1 || m.Accepted != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestAllowListedSourceGoesToBackend(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	cfg.AllowList = []string{"127.0.0.1"}
	srv, _ := startServer(t, cfg, &fakeBlocks{})

	conn := dial(t, srv)
	if got := readGreeting(t, conn); got != "backend" {
		t.Fatalf("routed to %q, want backend", got)
	}
	if m := srv.Metrics(); m.Backend != 1 {
		t.Errorf("Backend = %d, want 1", m.Backend)
	}
}

func TestFreshBanRefusesNextConnection(t *testing.T) {
	blocks := &fakeBlocks{}
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	cfg.AllowList = []string{"127.0.0.1"}
	srv, log := startServer(t, cfg, blocks)

	first := dial(t, srv)
	if got := readGreeting(t, first); got != "backend" {
		t.Fatalf("routed to %q, want backend", got)
	}

	blocks.ban("127.0.0.1")

	// the open stream is not cut
	if _, err := io.WriteString(first, "still here"); err != nil {
		t.Fatalf("write on open stream: %v", err)
	}

	second := dial(t, srv)
	expectClosed(t, second)

	if !waitForCondition(time.Second, func() bool { return len(log.metas()) == 2 }) {
		t.Fatal("expected a second connect_attempt event")
	}
	if got := srv.Metrics().Refused; got != 1 {
		t.Errorf("Refused = %d, want 1", got)
	}
	metas := log.metas()
	if last := metas[len(metas)-1]; last.Route != string(RouteRefused) {
		t.Errorf("last event route = %q, want refused", last.Route)
	}
}

func TestUnreachableUpstream(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), deadAddr(t))
	srv, log := startServer(t, cfg, &fakeBlocks{})

	conn := dial(t, srv)
	expectClosed(t, conn)

	if !waitForCondition(time.Second, func() bool { return len(log.metas()) == 1 }) {
		t.Fatal("expected a connect_attempt event")
	}
	if got := srv.Metrics().FailedBackend; got != 1 {
		t.Errorf("FailedBackend = %d, want 1", got)
	}
	meta := log.metas()[0]
	if meta.Outcome != OutcomeFailedBackend || meta.Route != string(RouteDecoy) {
		t.Errorf("unexpected event metadata: %+v", meta)
	}
}

func TestHalfCloseDeliversResponse(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	srv, _ := startServer(t, cfg, &fakeBlocks{})

	conn := dial(t, srv)
	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "decoy\nping" {
		t.Errorf("got %q, want %q", data, "decoy\nping")
	}

	if !waitForCondition(time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Fatal("connection was not released")
	}
	if m := srv.Metrics(); m.BytesIn != 4 || m.BytesOut != 10 {
		t.Errorf("bytes in/out = %d/%d, want 4/10", m.BytesIn, m.BytesOut)
	}
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	cfg.MaxConnections = 1
	srv, _ := startServer(t, cfg, &fakeBlocks{})

	held := dial(t, srv)
	readGreeting(t, held)

	extra := dial(t, srv)
	expectClosed(t, extra)

	if m := srv.Metrics(); m.Overflow != 1 || m.Accepted != 1 {
		t.Errorf("metrics = %+v, want one accepted and one overflow", m)
	}
}

func TestStopClosesLingeringConnections(t *testing.T) {
	cfg := testConfig(startUpstream(t, "backend"), startUpstream(t, "decoy"))
	log := &eventLog{}
	srv, err := New(cfg, &fakeBlocks{}, log.add, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	conn := dial(t, srv)
	readGreeting(t, conn)

	var stopped atomic.Bool
	go func() {
		srv.Stop()
		stopped.Store(true)
	}()

	if !waitForCondition(2*time.Second, stopped.Load) {
		t.Fatal("Stop did not return after the drain timeout")
	}
	expectClosed(t, conn)

	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("listener should be closed after Stop")
	}
}
