package sketch

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
)

// Wire requests. A client sends requestGive, reads the responder's sketch
// and cache, then sends requestClose.
const (
	requestGive  = "giveSketch"
	requestClose = "close"
)

// DefaultTimeout bounds dialing and each exchange.
const DefaultTimeout = 5 * time.Second

// Server answers sketch requests from peers.
type Server struct {
	mgr     *Manager
	timeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server for mgr's sketches.
func NewServer(mgr *Manager, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{mgr: mgr, timeout: timeout}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sketch listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	logging.Info("sketch server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sketch accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops accepting and waits for open exchanges.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var req string
	if err := dec.Decode(&req); err != nil {
		metrics.SketchHandshakes.WithLabelValues("server", "error").Inc()
		logging.Debug("sketch request unreadable", "peer", conn.RemoteAddr().String(), "error", err)
		return
	}
	if req != requestGive {
		metrics.SketchHandshakes.WithLabelValues("server", "rejected").Inc()
		logging.Warn("unknown sketch request", "peer", conn.RemoteAddr().String(), "request", req)
		return
	}

	x := s.mgr.exchange()
	if err := enc.Encode(x.Local); err != nil {
		metrics.SketchHandshakes.WithLabelValues("server", "error").Inc()
		logging.Warn("sending sketch failed", "peer", conn.RemoteAddr().String(), "error", err)
		return
	}
	if err := enc.Encode(x.Cache); err != nil {
		metrics.SketchHandshakes.WithLabelValues("server", "error").Inc()
		logging.Warn("sending sketch cache failed", "peer", conn.RemoteAddr().String(), "error", err)
		return
	}

	// The peer says close when it has read everything; a missing goodbye
	// still counts as a completed exchange.
	_ = dec.Decode(&req)
	metrics.SketchHandshakes.WithLabelValues("server", "ok").Inc()
}

// Client fetches sketches from peers over TCP.
type Client struct {
	// Port is the sketch port peers listen on.
	Port    int
	Timeout time.Duration
	// Addr overrides the address dialed for host.
	Addr func(host string) string
}

func (c *Client) addr(host string) string {
	if c.Addr != nil {
		return c.Addr(host)
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Fetch performs one exchange with host.
func (c *Client) Fetch(ctx context.Context, host string) (*Exchange, error) {
	x, err := c.fetch(ctx, host)
	if err != nil {
		metrics.SketchHandshakes.WithLabelValues("client", "error").Inc()
		return nil, err
	}
	metrics.SketchHandshakes.WithLabelValues("client", "ok").Inc()
	return x, nil
}

func (c *Client) fetch(ctx context.Context, host string) (*Exchange, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr(host))
	if err != nil {
		return nil, fmt.Errorf("dialing sketch server %s: %w", host, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := enc.Encode(requestGive); err != nil {
		return nil, fmt.Errorf("requesting sketch from %s: %w", host, err)
	}
	x := &Exchange{Local: &MatrixFilter{}}
	if err := dec.Decode(x.Local); err != nil {
		return nil, fmt.Errorf("reading sketch from %s: %w", host, err)
	}
	if err := dec.Decode(&x.Cache); err != nil {
		return nil, fmt.Errorf("reading sketch cache from %s: %w", host, err)
	}
	_ = enc.Encode(requestClose)
	return x, nil
}
