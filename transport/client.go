package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eshenhu/someip/router"
	"github.com/eshenhu/someip/someip"
)

const (
	dialTimeout = 10 * time.Second
	readTimeout = 5 * time.Second
)

// Errors
var (
	ErrTimeout         = errors.New("transport: reply timeout")
	ErrDisconnected    = errors.New("transport: session disconnected")
	ErrNotConnected    = errors.New("transport: not connected")
	ErrNoReplyExpected = errors.New("transport: message expects no reply")
	ErrConnected       = errors.New("transport: already connected")
)

// Client is a TCP connection to a SOME/IP server. Requests are answered
// through Call, notifications and requests sent by the server go to the
// handlers registered on Router.
type Client struct {
	log         someip.Logger
	server      string
	clientID    someip.ClientID
	readTimeout time.Duration
	seq         *someip.Sequencer
	router      *router.Router

	mtx        sync.Mutex
	connection net.Conn
	running    chan struct{}
	done       chan struct{}
}

// NewClient creates a client for server. clientID goes into the request id
// of every request it creates.
func NewClient(logger someip.Logger, clientID someip.ClientID, server string) *Client {
	return &Client{
		log:         logger,
		server:      server,
		clientID:    clientID,
		readTimeout: readTimeout,
		seq:         someip.NewSequencer(),
		router:      router.NewRouter(logger),
	}
}

// SetReadTimeout sets how long Call waits when its context has no deadline.
func (c *Client) SetReadTimeout(timeout time.Duration) {
	c.readTimeout = timeout
}

// Router returns the routing tables of the connection.
func (c *Client) Router() *router.Router { return c.router }

// Connect dials the server and starts reading from the connection. It fails
// with ErrConnected until Disconnect is called.
func (c *Client) Connect() error {
	if c.connected() {
		return ErrConnected
	}
	conn, err := net.DialTimeout("tcp", c.server, dialTimeout)
	if err != nil {
		c.log.Debug("Dial failed")
		return errors.Wrapf(err, "transport: dial %s", c.server)
	}

	c.mtx.Lock()
	if c.connection != nil {
		c.mtx.Unlock()
		conn.Close()
		return ErrConnected
	}
	c.connection = conn
	c.running = make(chan struct{})
	c.done = make(chan struct{})
	running, done := c.running, c.done
	c.mtx.Unlock()

	// pass the connection so a concurrent Disconnect cannot pull it away
	go c.inputLoop(conn, running, done)
	return nil
}

func (c *Client) connected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connection != nil
}

// Disconnect closes the connection to the server.
func (c *Client) Disconnect() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.connection == nil {
		return
	}
	close(c.running)
	if err := c.connection.Close(); err != nil {
		c.log.Debugf("Failed to close the socket (%v)", err)
	}
	c.connection = nil
}

// NewRequest creates a REQUEST for ids carrying the client id and a fresh
// session id.
func (c *Client) NewRequest(ids someip.MemberIDs) *someip.OutputMessage {
	m := someip.NewOutputMessage(c.seq, ids)
	m.SetClientID(c.clientID)
	return m
}

// Send writes m without waiting for anything.
func (c *Client) Send(m *someip.OutputMessage) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.connection == nil {
		c.log.Debugf("Attempt to send when not connected")
		return ErrNotConnected
	}
	return someip.WriteMessage(c.connection, m)
}

// Call sends the request m and waits for its reply. The reply is owned by
// the caller, who should Release it. When ctx carries no deadline the read
// timeout applies. On timeout the pending reply is forgotten, a late reply
// is dropped.
func (c *Client) Call(ctx context.Context, m *someip.OutputMessage) (*someip.InputMessage, error) {
	if !m.Header().IsRequestWithReturn() {
		return nil, ErrNoReplyExpected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	c.mtx.Lock()
	done := c.done
	c.mtx.Unlock()
	if done == nil {
		return nil, ErrNotConnected
	}

	id := m.RequestID()
	replies := make(chan *someip.InputMessage, 1)
	c.router.ExpectReply(id, func(in *someip.InputMessage) {
		replies <- in.Copy()
	})
	if err := c.Send(m); err != nil {
		c.router.CancelReply(id)
		return nil, err
	}

	select {
	case in := <-replies:
		return in, nil
	case <-done:
		c.router.CancelReply(id)
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.router.CancelReply(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(ErrTimeout, "request 0x%08x", uint32(id))
		}
		return nil, ctx.Err()
	}
}

// Ping sends a ping to the dispatcher service and returns the round trip
// time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	m := c.NewRequest(someip.MemberIDs{ServiceID: someip.DispatcherServiceID, MemberID: someip.PingMemberID})
	defer m.Release()

	start := time.Now()
	reply, err := c.Call(ctx, m)
	if err != nil {
		return 0, err
	}
	defer reply.Release()
	if reply.MessageType() == someip.MsgTypeError {
		return 0, errors.Errorf("transport: ping failed with return code 0x%02x", uint8(reply.Header().ReturnCode))
	}
	return time.Since(start), nil
}

// LocalAddr implements router.ResponseWriter.
func (c *Client) LocalAddr() net.Addr {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.connection == nil {
		return nil
	}
	return c.connection.LocalAddr()
}

// RemoteAddr implements router.ResponseWriter.
func (c *Client) RemoteAddr() net.Addr {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.connection == nil {
		return nil
	}
	return c.connection.RemoteAddr()
}

// WriteMsg implements router.ResponseWriter, so handlers on the client side
// can answer requests of the server.
func (c *Client) WriteMsg(m *someip.OutputMessage) error { return c.Send(m) }

func (c *Client) isStopped(running chan struct{}) bool {
	select {
	case <-running:
		return true
	default:
		return false
	}
}

// inputLoop reads messages from the socket and routes them until the
// connection fails.
func (c *Client) inputLoop(connection net.Conn, running, done chan struct{}) {
	defer close(done)

	for {
		m, err := someip.ReadMessage(connection, someip.DefaultMaxPayload)
		if err != nil {
			if !c.isStopped(running) && err != io.EOF && err != io.ErrUnexpectedEOF {
				c.log.Debugf("transport: failed to read from socket: %v", err)
			}
			return
		}
		c.router.Route(c, m)
		m.Release()
	}
}
