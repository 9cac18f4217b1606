package netx

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

type Addr string

// Conn is a byte stream to a remote peer.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
	SetDeadline(t time.Time) error
}

// Network is the stream transport used for file transfer. A Network holds at
// most one listener.
type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	// SetAcceptDeadline bounds the next Accept. A zero time clears it.
	SetAcceptDeadline(t time.Time) error
	Accept() (Conn, error)
	Dial(ctx context.Context, addr Addr) (Conn, error)
	Close() error
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var errAlreadyListening = errors.New("network already listening")
