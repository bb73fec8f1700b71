// Package multicast carries building edits as fixed-size UDP datagrams. A
// Listener feeds packets into a mutation.Ingest; a Publisher sends them.
// Delivery is best effort.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"citystream.ai/internal/protocol"
)

// Sink accepts raw packets without blocking.
type Sink interface {
	Offer(packet []byte) bool
}

type Listener struct {
	addr string
	sink Sink
	log  *log.Logger

	conn    atomic.Pointer[net.UDPConn]
	packets atomic.Uint64
}

// NewListener listens on addr. A multicast group address joins the group on
// every interface; any other address is bound as plain UDP.
func NewListener(addr string, sink Sink, logger *log.Logger) *Listener {
	return &Listener{addr: addr, sink: sink, log: logger}
}

func (l *Listener) Packets() uint64 { return l.packets.Load() }

// LocalAddr is set once Run has bound the socket.
func (l *Listener) LocalAddr() net.Addr {
	c := l.conn.Load()
	if c == nil {
		return nil
	}
	return c.LocalAddr()
}

func (l *Listener) Run(ctx context.Context) error {
	ua, err := net.ResolveUDPAddr("udp4", l.addr)
	if err != nil {
		return fmt.Errorf("multicast: resolve %s: %w", l.addr, err)
	}
	var conn *net.UDPConn
	if ua.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp4", nil, ua)
	} else {
		conn, err = net.ListenUDP("udp4", ua)
	}
	if err != nil {
		return fmt.Errorf("multicast: listen %s: %w", l.addr, err)
	}
	l.conn.Store(conn)
	defer conn.Close()
	l.logf("listening on %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	// One byte of slack so oversized datagrams are seen as malformed rather
	// than silently truncated to a valid length.
	buf := make([]byte, protocol.MutationPacketSize+1)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("multicast: read: %w", err)
		}
		l.packets.Add(1)
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		l.sink.Offer(pkt)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.log != nil {
		l.log.Printf(format, args...)
	}
}

type Publisher struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// DialPublisher sends to addr. For group addresses ttl bounds the hop count
// and loopback delivers to listeners on this host.
func DialPublisher(addr string, ttl int, loopback bool) (*Publisher, error) {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("multicast: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	if dst.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if ttl > 0 {
			if err := pc.SetMulticastTTL(ttl); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("multicast: ttl: %w", err)
			}
		}
		if err := pc.SetMulticastLoopback(loopback); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("multicast: loopback: %w", err)
		}
	}
	return &Publisher{conn: conn, dst: dst}, nil
}

func (p *Publisher) Publish(m protocol.Mutation) error {
	b, err := protocol.EncodeMutation(m)
	if err != nil {
		return err
	}
	return p.Send(b)
}

// Send writes a raw datagram.
func (p *Publisher) Send(b []byte) error {
	_, err := p.conn.WriteToUDP(b, p.dst)
	return err
}

func (p *Publisher) Close() error { return p.conn.Close() }
