package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/eshenhu/someip/router"
	"github.com/eshenhu/someip/someip"
)

const defaultWriteTimeout = 2 * time.Second

// ErrServerClosed is returned by ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

// A Server accepts SOME/IP connections over TCP and hands every message it
// reads to its router. A Server built without NewServer logs nothing.
type Server struct {
	// Address to listen on, ":30509" if empty.
	Addr string
	// Listener to use instead of listening on Addr.
	Listener net.Listener
	// Router receives every message read from a connection.
	Router *router.Router
	// MaxPayload bounds the payload of one message, someip.DefaultMaxPayload
	// if zero. A larger message closes the connection.
	MaxPayload int
	// The net.Conn.SetWriteDeadline value for replies, defaults to 2 * time.Second.
	WriteTimeout time.Duration
	// IdleTimeout returns the read deadline of an idle connection. Connections
	// never time out when nil or when it returns 0.
	IdleTimeout func() time.Duration
	// If NotifyStartedFunc is set it is called once the server has started listening.
	NotifyStartedFunc func()

	lock       sync.Mutex
	activeConn map[*conn]struct{}
	closed     bool
	log        someip.Logger
}

// NewServer creates a server routing into r.
func NewServer(addr string, r *router.Router, log someip.Logger) *Server {
	return &Server{Addr: addr, Router: r, log: log}
}

// ListenAndServe listens on srv.Addr, unless a Listener is set, and serves
// connections until Shutdown.
func (srv *Server) ListenAndServe() error {
	srv.lock.Lock()
	if srv.closed {
		srv.lock.Unlock()
		return ErrServerClosed
	}
	if srv.log == nil {
		srv.log = someip.NewNopLogger()
	}
	l := srv.Listener
	if l == nil {
		addr := srv.Addr
		if addr == "" {
			addr = ":30509"
		}
		var err error
		if l, err = net.Listen("tcp", addr); err != nil {
			srv.lock.Unlock()
			return errors.Wrap(err, "transport: listen")
		}
		srv.Listener = l
	}
	srv.lock.Unlock()

	srv.log.Debugf("Started server at %s", l.Addr())
	return srv.serveTCP(l)
}

// Shutdown closes the listener and every open connection. ListenAndServe
// returns ErrServerClosed once all connections are done.
func (srv *Server) Shutdown() error {
	srv.lock.Lock()
	srv.closed = true
	l := srv.Listener
	srv.lock.Unlock()

	if l != nil {
		return l.Close()
	}
	return nil
}

// ListenAddr returns the address the server listens on, nil before it started.
func (srv *Server) ListenAddr() net.Addr {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.Listener == nil {
		return nil
	}
	return srv.Listener.Addr()
}

// Broadcast writes m to every open connection, the way events reach
// subscribed clients.
func (srv *Server) Broadcast(m *someip.OutputMessage) error {
	srv.lock.Lock()
	conns := make([]*conn, 0, len(srv.activeConn))
	for c := range srv.activeConn {
		conns = append(conns, c)
	}
	srv.lock.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.WriteMsg(m))
	}
	return err
}

// Connections returns the number of open connections.
func (srv *Server) Connections() int {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return len(srv.activeConn)
}

func (srv *Server) writeTimeout() time.Duration {
	if srv.WriteTimeout != 0 {
		return srv.WriteTimeout
	}
	return defaultWriteTimeout
}

func (srv *Server) maxPayload() int {
	if srv.MaxPayload != 0 {
		return srv.MaxPayload
	}
	return someip.DefaultMaxPayload
}

// serveTCP accepts connections and serves each in its own goroutine.
func (srv *Server) serveTCP(l net.Listener) error {
	defer l.Close()

	if srv.NotifyStartedFunc != nil {
		srv.NotifyStartedFunc()
	}
	if srv.Router == nil {
		return errors.New("transport: server without router")
	}

	var err error
	var wg sync.WaitGroup
	for {
		rw, e := l.Accept()
		if e != nil {
			if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
				continue
			}
			err = e
			break
		}
		srv.log.Debugf("New connection on %s", rw.RemoteAddr())

		c := &conn{srv: srv, tcp: rw}
		if !srv.trackConn(c, true) {
			rw.Close()
			break
		}
		wg.Add(1)
		go srv.serve(&wg, c)
	}
	srv.closeConnects()
	wg.Wait()

	srv.lock.Lock()
	closed := srv.closed
	srv.lock.Unlock()
	if closed {
		return ErrServerClosed
	}
	return err
}

// serve reads messages from one connection until it fails or is closed.
func (srv *Server) serve(wg *sync.WaitGroup, c *conn) {
	defer wg.Done()
	defer srv.trackConn(c, false)
	defer c.Close()

	for {
		if srv.IdleTimeout != nil {
			if d := srv.IdleTimeout(); d > 0 {
				c.tcp.SetReadDeadline(time.Now().Add(d))
			}
		}
		m, err := someip.ReadMessage(c.tcp, srv.maxPayload())
		if err != nil {
			srv.log.Debugf("Exit server with %s: %v", c.RemoteAddr(), err)
			return
		}
		srv.Router.Route(c, m)
		m.Release()
	}
}

func (srv *Server) closeConnects() {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	for c := range srv.activeConn {
		c.tcp.Close()
	}
}

// trackConn adds or removes c. Adding fails once the server is shut down.
func (srv *Server) trackConn(c *conn, add bool) bool {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.activeConn == nil {
		srv.activeConn = make(map[*conn]struct{})
	}
	if !add {
		delete(srv.activeConn, c)
		return true
	}
	if srv.closed {
		return false
	}
	srv.activeConn[c] = struct{}{}
	return true
}

// conn is the router.ResponseWriter of one server connection. Writes are
// serialized so handlers and Broadcast can share it.
type conn struct {
	srv *Server
	tcp net.Conn
	mu  sync.Mutex
}

// LocalAddr implements router.ResponseWriter.
func (c *conn) LocalAddr() net.Addr { return c.tcp.LocalAddr() }

// RemoteAddr implements router.ResponseWriter.
func (c *conn) RemoteAddr() net.Addr { return c.tcp.RemoteAddr() }

// WriteMsg implements router.ResponseWriter.
func (c *conn) WriteMsg(m *someip.OutputMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tcp.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout()))
	return someip.WriteMessage(c.tcp, m)
}

// Close closes the connection.
func (c *conn) Close() error {
	return c.tcp.Close()
}

// RunLocalServer starts a server on addr in the background and returns once
// it listens.
func RunLocalServer(addr string, r *router.Router, log someip.Logger) (*Server, error) {
	srv := NewServer(addr, r, log)

	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }

	failed := make(chan error, 1)
	go func() {
		failed <- srv.ListenAndServe()
	}()

	select {
	case <-started:
		return srv, nil
	case err := <-failed:
		return nil, err
	}
}
