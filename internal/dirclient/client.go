package dirclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

const (
	DefaultTimeout     = 1 * time.Second
	DefaultMaxAttempts = 5

	drainWait = time.Millisecond
)

// ErrState is returned when an operation is not valid in the client's
// current session state (e.g. Register before Login).
var ErrState = errors.New("operation not allowed in current state")

// State tracks where the client is in its directory session.
type State int

const (
	StateLoggedOut State = iota
	StateLoggedIn
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged-out"
	case StateLoggedIn:
		return "logged-in"
	case StateRegistered:
		return "registered"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// RetryError is the terminal failure after every attempt timed out. It
// matches proto.ErrTransport.
type RetryError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s: no reply from directory after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() []error { return []error{proto.ErrTransport, e.Last} }

type Config struct {
	Addr        string        // host[:port]; port defaults to 6868
	Timeout     time.Duration // per attempt
	MaxAttempts int
	Logger      telemetry.Logger
	Debug       bool
}

func DefaultConfig(addr string) Config {
	return Config{Addr: addr, Timeout: DefaultTimeout, MaxAttempts: DefaultMaxAttempts}
}

// Client talks to the directory over UDP. Calls are serialized: one request
// is outstanding at a time.
type Client struct {
	cfg  Config
	conn *net.UDPConn

	mu       sync.Mutex
	state    State
	key      proto.SessionKey
	nickname string
}

// Dial prepares a UDP socket aimed at the directory. No datagram is sent.
func Dial(cfg Config) (*Client, error) {
	cfg.Logger = telemetry.OrDefault(cfg.Logger)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(proto.DefaultDirectoryPort))
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve directory %s: %w", cfg.Addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", raddr, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// DirectoryAddr returns the resolved directory address.
func (c *Client) DirectoryAddr() *net.UDPAddr { return c.conn.RemoteAddr().(*net.UDPAddr) }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionKey() proto.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// Send transmits req and waits for its reply, retransmitting the same bytes
// on every timeout. Leftover datagrams are drained first, and replies that
// answer a different operation or an earlier request are discarded.
// After MaxAttempts timeouts it returns a *RetryError.
func (c *Client) Send(ctx context.Context, req proto.Request) (proto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req proto.Request) (proto.Response, error) {
	data, err := proto.Directory.MarshalDatagram(req.Message())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op(), err)
	}
	buf := make([]byte, proto.MaxDatagramSize)
	c.drain(buf)

	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logf("sending %s (attempt %d/%d)", req.Op(), attempt, c.cfg.MaxAttempts)
		if _, err := c.conn.Write(data); err != nil {
			last = err
			c.cfg.Logger.Printf("[dirclient] %s: write failed: %v", req.Op(), err)
			continue
		}

		deadline := time.Now().Add(c.cfg.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		resp, err := c.await(req, deadline, buf)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, proto.ErrProtocol) {
			return nil, err
		}
		last = err
		if attempt < c.cfg.MaxAttempts {
			c.cfg.Logger.Printf("[dirclient] %s: no reply (%v), retrying", req.Op(), err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &RetryError{Op: req.Op(), Attempts: c.cfg.MaxAttempts, Last: last}
}

// await reads until a reply to req arrives or the deadline passes.
func (c *Client) await(req proto.Request, deadline time.Time, buf []byte) (proto.Response, error) {
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		msg, err := proto.Directory.Unmarshal(buf[:n])
		if err != nil {
			return nil, err
		}
		if !proto.BelongsTo(msg.Operation, req.Op()) {
			c.logf("discarding stale %s while waiting for %s", msg.Operation, req.Op())
			continue
		}
		resp, err := proto.ParseResponse(msg)
		if err != nil {
			return nil, err
		}
		if !proto.Answers(req, resp) {
			c.logf("discarding %s answering an earlier %s", msg.Operation, req.Op())
			continue
		}
		return resp, nil
	}
}

// drain discards datagrams left over from earlier requests, such as replies
// that arrived after a retransmission.
func (c *Client) drain(buf []byte) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		c.logf("dropped %d-byte leftover datagram", n)
	}
}

// call sends req and turns a "_failed" reply into an error.
func (c *Client) call(ctx context.Context, req proto.Request) (proto.Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if f, ok := resp.(proto.Failure); ok {
		return nil, failureError(f)
	}
	return resp, nil
}

func failureError(f proto.Failure) error {
	switch f.Request {
	case proto.OpLogin:
		return fmt.Errorf("%s: nickname is already in use: %w", f.Op(), proto.ErrAlreadyLoggedIn)
	case proto.OpSearch:
		return fmt.Errorf("%s: no peer publishes that file: %w", f.Op(), proto.ErrNotFound)
	case proto.OpDownloadFrom:
		return fmt.Errorf("%s: no serving peer with that nickname: %w", f.Op(), proto.ErrNotFound)
	}
	return fmt.Errorf("%s: directory rejected the session: %w", f.Op(), proto.ErrInvalidSession)
}

func expect[T proto.Response](resp proto.Response) (T, error) {
	r, ok := resp.(T)
	if !ok {
		var zero T
		return zero, &proto.ProtocolError{Reason: fmt.Sprintf("unexpected reply %s", resp.Op())}
	}
	return r, nil
}

func (c *Client) requireSession() error {
	if c.state == StateLoggedOut {
		return fmt.Errorf("not logged in: %w", ErrState)
	}
	return nil
}

// Login opens a session as nick.
//
// Login is not idempotent: if a reply is lost after the directory accepted
// the login, the retransmission is answered with login_failed.
func (c *Client) Login(ctx context.Context, nick string) (proto.SessionKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateLoggedOut {
		return proto.NoSession, fmt.Errorf("already logged in as %s: %w", c.nickname, ErrState)
	}
	if !proto.ValidNickname(nick) {
		return proto.NoSession, fmt.Errorf("login %q: %w", nick, proto.ErrInvalidNickname)
	}
	resp, err := c.call(ctx, proto.LoginRequest{Nickname: nick})
	if err != nil {
		return proto.NoSession, err
	}
	ok, err := expect[proto.LoginOK](resp)
	if err != nil {
		return proto.NoSession, err
	}
	c.state, c.key, c.nickname = StateLoggedIn, ok.Key, nick
	c.logf("logged in as %s", nick)
	return ok.Key, nil
}

// Logout closes the session. Registration and published files are dropped
// by the directory along with it.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return err
	}
	if _, err := c.call(ctx, proto.LogoutRequest{Key: c.key}); err != nil {
		return err
	}
	c.state, c.key, c.nickname = StateLoggedOut, proto.NoSession, ""
	return nil
}

// UserList returns every logged-in user and whether they serve files.
func (c *Client) UserList(ctx context.Context) ([]proto.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, proto.UserListRequest{Key: c.key})
	if err != nil {
		return nil, err
	}
	ok, err := expect[proto.UserListOK](resp)
	return ok.Users, err
}

// Register announces that this peer serves files on port. The directory
// takes the IP from the datagram's source address.
func (c *Client) Register(ctx context.Context, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateLoggedIn {
		return fmt.Errorf("register in state %s: %w", c.state, ErrState)
	}
	if !proto.ValidPort(port) {
		return fmt.Errorf("register: bad port %d", port)
	}
	if _, err := c.call(ctx, proto.RegisterRequest{Key: c.key, Port: port}); err != nil {
		return err
	}
	c.state = StateRegistered
	return nil
}

// Unregister withdraws the endpoint and the published catalog.
func (c *Client) Unregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRegistered {
		return fmt.Errorf("unregister in state %s: %w", c.state, ErrState)
	}
	if _, err := c.call(ctx, proto.UnregisterRequest{Key: c.key}); err != nil {
		return err
	}
	c.state = StateLoggedIn
	return nil
}

// Publish replaces this peer's catalog in the directory.
func (c *Client) Publish(ctx context.Context, files []proto.FileEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return err
	}
	for _, f := range files {
		if !proto.ValidHash(f.Hash) {
			return fmt.Errorf("publish: bad hash %q", f.Hash)
		}
	}
	_, err := c.call(ctx, proto.PublishRequest{Key: c.key, Files: files})
	return err
}

// FileList returns every file published in the directory.
func (c *Client) FileList(ctx context.Context) ([]proto.FileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, proto.FileListRequest{Key: c.key})
	if err != nil {
		return nil, err
	}
	ok, err := expect[proto.FileListOK](resp)
	return ok.Files, err
}

// Search returns the nicknames of peers publishing hash.
func (c *Client) Search(ctx context.Context, hash string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if !proto.ValidHash(hash) {
		return nil, fmt.Errorf("search: bad hash %q", hash)
	}
	resp, err := c.call(ctx, proto.SearchRequest{Key: c.key, Hash: hash})
	if err != nil {
		return nil, err
	}
	ok, err := expect[proto.SearchOK](resp)
	return ok.Servers, err
}

// LookupServer resolves nick to the TCP address it serves files on.
func (c *Client) LookupServer(ctx context.Context, nick string) (*net.TCPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSession(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, proto.DownloadFromRequest{Key: c.key, Nickname: nick})
	if err != nil {
		return nil, err
	}
	ok, err := expect[proto.DownloadFromOK](resp)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ok.IP, Port: ok.Port}, nil
}

func (c *Client) logf(format string, args ...any) {
	if !c.cfg.Debug {
		return
	}
	c.cfg.Logger.Printf("[dirclient] "+format, args...)
}
