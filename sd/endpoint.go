package sd

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"

	"github.com/eshenhu/someip/someip"
)

const maxDatagram = 1400

// EndpointConfig describes the SD socket.
type EndpointConfig struct {
	// Group is the multicast group, DefaultMulticastGroup when nil.
	Group net.IP
	// Port is the UDP port, DefaultPort when zero.
	Port int
	// Interface names the interface to join the group on. The system
	// default is used when empty.
	Interface string
	// MulticastTTL is the hop limit of outgoing multicast, 1 when zero.
	MulticastTTL int
	// Loopback delivers our own multicast back to us.
	Loopback bool
}

// Endpoint is the UDP socket SD messages are sent and received on.
type Endpoint struct {
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	ifi   *net.Interface
	group *net.UDPAddr
	log   someip.Logger

	closeOnce sync.Once
	closeErr  error
}

// Listen opens the SD socket and joins the multicast group. The port is
// shared with the other SD participants of the host.
func Listen(cfg EndpointConfig, log someip.Logger) (*Endpoint, error) {
	if cfg.Group == nil {
		cfg.Group = net.ParseIP(DefaultMulticastGroup)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MulticastTTL == 0 {
		cfg.MulticastTTL = 1
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, errors.Wrapf(err, "sd: interface %q", cfg.Interface)
		}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "sd: listen")
	}
	e := &Endpoint{
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		ifi:   ifi,
		group: &net.UDPAddr{IP: cfg.Group, Port: cfg.Port},
		log:   log,
	}

	if err := e.setup(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) setup(cfg EndpointConfig) error {
	if err := e.pc.JoinGroup(e.ifi, &net.UDPAddr{IP: cfg.Group}); err != nil {
		return errors.Wrapf(err, "sd: join %s", cfg.Group)
	}
	if e.ifi != nil {
		if err := e.pc.SetMulticastInterface(e.ifi); err != nil {
			return errors.Wrap(err, "sd: multicast interface")
		}
	}
	if err := e.pc.SetMulticastTTL(cfg.MulticastTTL); err != nil {
		return errors.Wrap(err, "sd: multicast ttl")
	}
	return errors.Wrap(e.pc.SetMulticastLoopback(cfg.Loopback), "sd: multicast loopback")
}

// LocalAddr returns the address the socket is bound to.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Serve reads datagrams until ctx is done or the endpoint is closed, and
// hands each decoded message to dec. Malformed datagrams are logged and
// dropped.
func (e *Endpoint) Serve(ctx context.Context, dec *Decoder) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, src, err := e.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "sd: read")
		}

		m, err := Decode(buf[:n], e.log)
		if err != nil {
			e.log.Infof("sd: dropping datagram from %s: %v", src, err)
			continue
		}
		m.Source = src
		if err := dec.Dispatch(m); err != nil {
			e.log.Infof("sd: dropping message from %s: %v", src, err)
		}
	}
}

// SendMulticast sends m to the group.
func (e *Endpoint) SendMulticast(m *Message) error {
	return e.send(m, e.group)
}

// SendUnicast sends m to a single peer.
func (e *Endpoint) SendUnicast(m *Message, to net.Addr) error {
	return e.send(m, to)
}

func (e *Endpoint) send(m *Message, to net.Addr) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	if len(b) > maxDatagram {
		e.log.Warnf("sd: %d byte message to %s may be fragmented", len(b), to)
	}
	_, err = e.pc.WriteTo(b, nil, to)
	return errors.Wrapf(err, "sd: send to %s", to)
}

// Close leaves the group and closes the socket. It is safe to call more
// than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = multierr.Combine(
			e.pc.LeaveGroup(e.ifi, &net.UDPAddr{IP: e.group.IP}),
			e.conn.Close(),
		)
	})
	return e.closeErr
}
