// Package redirector is a connection-level proxy in front of a protected
// TCP service. Each inbound connection is refused, sent to the real
// backend, or sent to the decoy based on its source address.
package redirector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ghostwall/internal/config"
	"ghostwall/internal/event"
)

// Route is where a connection was sent.
type Route string

const (
	RouteRefused Route = "refused"
	RouteDecoy   Route = "decoy"
	RouteBackend Route = "backend"
)

// OutcomeFailedBackend marks a connect_attempt whose target was unreachable.
const OutcomeFailedBackend = "failed_backend"

// BlockChecker answers whether an address is currently banned. Reads must
// not wait on writers.
type BlockChecker interface {
	Blocked(addr netip.Addr) bool
}

// Metrics holds redirector counters.
type Metrics struct {
	Accepted      uint64 `json:"accepted"`
	Refused       uint64 `json:"refused"`
	Overflow      uint64 `json:"overflow"`
	Decoy         uint64 `json:"decoy"`
	Backend       uint64 `json:"backend"`
	FailedBackend uint64 `json:"failed_backend"`
	Active        int    `json:"active"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
}

// Server accepts connections on the public port and proxies them.
type Server struct {
	cfg      config.RedirectorConfig
	allow    []netip.Prefix
	force    []netip.Prefix
	blocked  BlockChecker
	emit     func(event.Event)
	source   event.Source
	dstPort  int
	dialer   net.Dialer
	logger   *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connCount atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once

	accepted      atomic.Uint64
	refused       atomic.Uint64
	overflow      atomic.Uint64
	decoy         atomic.Uint64
	backend       atomic.Uint64
	failedBackend atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
}

// New creates a redirector. emit receives one connect_attempt event per
// inbound connection and may be nil.
func New(cfg config.RedirectorConfig, blocked BlockChecker, emit func(event.Event), logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(event.Event) {}
	}
	allow, err := parsePrefixes(cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	force, err := parsePrefixes(cfg.ForceDecoy)
	if err != nil {
		return nil, fmt.Errorf("force_decoy: %w", err)
	}
	src := event.Source(cfg.Service)
	if !src.IsValid() {
		return nil, fmt.Errorf("unknown service %q", cfg.Service)
	}

	s := &Server{
		cfg:     cfg,
		allow:   allow,
		force:   force,
		blocked: blocked,
		emit:    emit,
		source:  src,
		dstPort: portOf(cfg.BackendAddr),
		dialer:  net.Dialer{Timeout: cfg.ConnectTimeout},
		logger:  logger.With("component", "redirector"),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	if s.dstPort == 0 {
		s.dstPort = portOf(cfg.ListenAddr)
	}
	return s, nil
}

func parsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		p, err := config.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Classify decides where a connection from addr goes. The block-list
// takes priority over both sets; unknown sources go to the decoy.
func (s *Server) Classify(addr netip.Addr) Route {
	addr = addr.Unmap()
	switch {
	case s.blocked != nil && s.blocked.Blocked(addr):
		return RouteRefused
	case contains(s.force, addr):
		return RouteDecoy
	case contains(s.allow, addr):
		return RouteBackend
	default:
		return RouteDecoy
	}
}

// Name is the redirector's label.
func (s *Server) Name() string { return s.cfg.Label() }

// Start binds the listener and starts accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("redirector listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.logger.Info("redirector started",
		"address", listener.Addr().String(),
		"backend", s.cfg.BackendAddr,
		"decoy", s.cfg.DecoyAddr,
		"allowlist", len(s.allow),
		"force_decoy", len(s.force),
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Periodic deadline so the loop notices shutdown.
		if tl, ok := s.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("accept error", "error", err)
				continue
			}
		}

		if s.connCount.Load() >= int32(s.cfg.MaxConnections) {
			s.overflow.Add(1)
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.accepted.Add(1)
		s.track(conn, true)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer s.track(conn, false)
	defer conn.Close()

	src := remoteAddr(conn)
	connID := uuid.NewString()
	route := s.Classify(src)
	log := s.logger.With("conn_id", connID, "src_ip", src.String(), "route", route)

	if route == RouteRefused {
		s.refused.Add(1)
		s.record(src, route, "", connID)
		log.Debug("connection refused")
		return
	}

	target := s.cfg.DecoyAddr
	if route == RouteBackend {
		target = s.cfg.BackendAddr
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	upstream, err := s.dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		s.failedBackend.Add(1)
		s.record(src, route, OutcomeFailedBackend, connID)
		log.Warn("upstream unreachable", "target", target, "error", err)
		return
	}
	s.track(upstream, true)
	defer s.track(upstream, false)
	defer upstream.Close()

	if route == RouteBackend {
		s.backend.Add(1)
	} else {
		s.decoy.Add(1)
	}
	s.record(src, route, "", connID)
	log.Debug("connection proxied", "target", target)

	in, out := s.pipe(conn, upstream)
	log.Debug("connection closed", "bytes_in", in, "bytes_out", out)
}

func (s *Server) record(src netip.Addr, route Route, outcome, connID string) {
	if !src.IsValid() {
		return
	}
	s.emit(event.New(event.TypeConnectAttempt, s.source, src.String(), time.Now().UTC(), event.ConnectMeta{
		DstPort: s.dstPort,
		Route:   string(route),
		Outcome: outcome,
		ConnID:  connID,
	}))
}

func remoteAddr(c net.Conn) netip.Addr {
	if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return ta.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// pipe copies bytes both ways. When one direction finishes, the write side
// of its destination is closed and the other direction gets the half-close
// grace to finish before both connections are closed.
func (s *Server) pipe(client, upstream net.Conn) (in, out int64) {
	type result struct {
		n        int64
		upstream bool
	}
	results := make(chan result, 2)
	copyHalf := func(dst, src net.Conn, toUpstream bool) {
		n, _ := copyBuffer(dst, idleConn{Conn: src, timeout: s.cfg.IdleTimeout})
		closeWrite(dst)
		results <- result{n: n, upstream: toUpstream}
	}
	go copyHalf(upstream, client, true)
	go copyHalf(client, upstream, false)

	collect := func(r result) {
		if r.upstream {
			in = r.n
			s.bytesIn.Add(uint64(r.n))
		} else {
			out = r.n
			s.bytesOut.Add(uint64(r.n))
		}
	}

	collect(<-results)
	grace := time.NewTimer(s.cfg.HalfCloseGrace)
	defer grace.Stop()
	select {
	case r := <-results:
		collect(r)
		return in, out
	case <-grace.C:
	}
	client.Close()
	upstream.Close()
	collect(<-results)
	return in, out
}

var bufPool = sync.Pool{New: func() any { b := make([]byte, 32*1024); return &b }}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

// idleConn refreshes the read deadline before every read so a silent
// direction ends after timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

// Stop stops accepting, gives in-flight connections the drain timeout to
// finish, then closes whatever is left.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(s.cfg.DrainTimeout):
			s.mu.Lock()
			n := len(s.conns)
			for c := range s.conns {
				c.Close()
			}
			s.mu.Unlock()
			s.logger.Warn("drain timeout, closing connections", "open", n)
			<-drained
		}

		m := s.Metrics()
		s.logger.Info("redirector stopped",
			"accepted", m.Accepted,
			"refused", m.Refused,
			"decoy", m.Decoy,
			"backend", m.Backend,
			"failed_backend", m.FailedBackend,
		)
	})
}

// Metrics returns the current counters.
func (s *Server) Metrics() Metrics {
	return Metrics{
		Accepted:      s.accepted.Load(),
		Refused:       s.refused.Load(),
		Overflow:      s.overflow.Load(),
		Decoy:         s.decoy.Load(),
		Backend:       s.backend.Load(),
		FailedBackend: s.failedBackend.Load(),
		Active:        int(s.connCount.Load()),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
	}
}

// ActiveConnections returns the number of open inbound connections.
func (s *Server) ActiveConnections() int {
	return int(s.connCount.Load())
}
