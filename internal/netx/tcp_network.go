package netx

import (
	"context"
	"net"
	"sync"
	"time"
)

type tcpNetwork struct {
	mu       sync.Mutex
	listener *net.TCPListener
	dialer   net.Dialer
}

// NewTCPNetwork returns a Network over plain TCP. dialTimeout bounds
// connection setup; zero means no limit beyond the context.
func NewTCPNetwork(dialTimeout time.Duration) Network {
	return &tcpNetwork{dialer: net.Dialer{Timeout: dialTimeout}}
}

func (t *tcpNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return "", &net.OpError{Op: "listen", Net: "tcp", Err: errAlreadyListening}
	}
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return "", err
	}
	t.listener = l.(*net.TCPListener)
	return Addr(l.Addr().String()), nil
}

func (t *tcpNetwork) current() *net.TCPListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

func (t *tcpNetwork) SetAcceptDeadline(d time.Time) error {
	l := t.current()
	if l == nil {
		return net.ErrClosed
	}
	return l.SetDeadline(d)
}

func (t *tcpNetwork) Accept() (Conn, error) {
	l := t.current()
	if l == nil {
		return nil, net.ErrClosed
	}
	c, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return &tcpConn{TCPConn: c}, nil
}

func (t *tcpNetwork) Dial(ctx context.Context, addr Addr) (Conn, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		return nil, err
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	t.listener = nil
	return err
}

type tcpConn struct {
	*net.TCPConn
}

func (c *tcpConn) RemoteAddr() Addr {
	return Addr(c.TCPConn.RemoteAddr().String())
}
