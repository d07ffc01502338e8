// Package server implements the employee-record protocol server: a bounded
// connection table, a per-peer finite state machine, and a single dispatch
// loop that owns the record engine and every response write.
//
// The dispatch loop serialises all work: engine mutations, state
// transitions, and outbound frames happen on one goroutine, fed by one event
// channel. Per-connection reader goroutines only reassemble frames from
// partial reads; they never touch shared state. This keeps the original
// single-writer design while letting the Go runtime multiplex the sockets.
package server

import (
	"context"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/empdb/empdb"
	"github.com/empdb/empdb/internal/engine"
	"github.com/empdb/empdb/internal/protocol"
	"github.com/empdb/empdb/internal/recfile"
)

// DefaultMaxConns bounds the connection table when the configuration does
// not say otherwise.
const DefaultMaxConns = 256

// How long an address stays in the recent-peer tracker.
const recentPeerTTL = 10 * time.Minute

// AuditFunc observes successful record mutations. op is "add" or "remove";
// count is the record count after the mutation.
type AuditFunc func(op string, rec recfile.Record, count int, remote net.Addr)

// Config carries the server settings the driver resolved from flags and the
// config file.
type Config struct {
	Addr     string
	MaxConns int
	Audit    AuditFunc
}

// Server owns the listener, the bounded connection table, and the record
// engine. All of its fields are confined to the dispatch loop after Serve
// starts.
type Server struct {
	cfg    Config
	eng    *engine.Engine
	ln     net.Listener
	events chan event
	conns  map[*conn]struct{}
	recent *ttlcache.Cache[string, struct{}]
}

type eventKind int

const (
	evAccept eventKind = iota
	evFrame
	evMalformed
	evClosed
)

// event is one unit of work for the dispatch loop.
type event struct {
	kind  eventKind
	sock  net.Conn       // evAccept: the freshly accepted socket
	c     *conn          // every other kind
	frame protocol.Frame // evFrame: body is an owned copy
	err   error          // evMalformed: the decode error
}

// New builds a server around an engine loaded by the driver.
func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	return &Server{
		cfg:    cfg,
		eng:    eng,
		events: make(chan event),
		conns:  make(map[*conn]struct{}),
		recent: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](recentPeerTTL),
		),
	}
}

// Listen binds the TCP listener. Serve calls it implicitly; tests call it
// first to learn the bound address.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "server: listen")
	}
	s.ln = ln
	log.Infoln("Listening for record protocol connections at", ln.Addr())
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept and dispatch loops until ctx is cancelled. On
// return every tracked connection is closed; the caller persists the engine
// state afterwards.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	empdb.RecordCount.Set(float64(s.eng.Len()))

	go s.recent.Start()
	defer s.recent.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Unblock Accept when the context ends.
		<-ctx.Done()
		return s.ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ctx)
	})
	g.Go(func() error {
		return s.dispatchLoop(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "server: accept")
		}
		select {
		case s.events <- event{kind: evAccept, sock: sock}:
		case <-ctx.Done():
			sock.Close()
			return nil
		}
	}
}

// dispatchLoop is the event loop. It is the only goroutine that touches the
// engine, the connection table, and connection FSM state, and the only one
// that writes responses.
func (s *Server) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for c := range s.conns {
				c.sock.Close()
			}
			return nil
		case ev := <-s.events:
			switch ev.kind {
			case evAccept:
				s.addConn(ctx, ev.sock)
			case evFrame:
				if _, ok := s.conns[ev.c]; ok {
					s.dispatch(ev.c, ev.frame)
				}
			case evMalformed:
				if _, ok := s.conns[ev.c]; ok {
					log.Debugln("Malformed frame from", ev.c.sock.RemoteAddr(), ":", ev.err)
					s.protocolViolation(ev.c)
				}
			case evClosed:
				s.closeConn(ev.c)
			}
		}
	}
}

func (s *Server) addConn(ctx context.Context, sock net.Conn) {
	if len(s.conns) >= s.cfg.MaxConns {
		// Accept then immediately close, with no frames sent.
		empdb.ConnectionsRejected.Inc()
		log.Warningln("Connection table full, dropping peer", sock.RemoteAddr())
		sock.Close()
		return
	}
	c := newConn(sock)
	s.conns[c] = struct{}{}
	empdb.ConnectionsAccepted.Inc()
	empdb.OpenConnections.Set(float64(len(s.conns)))
	if host, _, err := net.SplitHostPort(sock.RemoteAddr().String()); err == nil {
		s.recent.Set(host, struct{}{}, ttlcache.DefaultTTL)
		empdb.RecentPeers.Set(float64(s.recent.Len()))
	}
	go c.readLoop(ctx, s.events)
}

// closeConn removes c from the table and closes its socket. Safe to call
// more than once; late events for a removed connection are ignored.
func (s *Server) closeConn(c *conn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	c.state = stateClosed
	c.sock.Close()
	empdb.OpenConnections.Set(float64(len(s.conns)))
}
