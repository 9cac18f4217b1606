package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"p2p-files/internal/digest"
	"p2p-files/internal/netx"
	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

var (
	// ErrDigestMismatch means the received bytes do not hash to the expected
	// identifier. The partial file has been removed.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrTransferFailed is the serving peer's download_failed reply.
	ErrTransferFailed = errors.New("peer could not send file")
)

const partSuffix = ".part"

type ClientConfig struct {
	Network   netx.Network // defaults to TCP
	Nickname  string       // sent with every request
	Algorithm digest.Algorithm
	Logger    telemetry.Logger
	Debug     bool
}

// Download describes one file to fetch.
type Download struct {
	Hash   string // identifier sent to the peer; may be a substring
	Expect string // full digest the bytes must match; defaults to Hash
	Dest   string // local path; must not exist
}

// Result describes a completed (or rejected) transfer.
type Result struct {
	Hash     string // identifier the peer served
	Filename string // peer's name for the file
	Size     int64
	Digest   string // digest of the received bytes
	Path     string // where the file was written; empty on mismatch
}

// Client fetches files from a single serving peer. Requests on one Client are
// serialized.
type Client struct {
	cfg  ClientConfig
	conn netx.Conn

	mu     sync.Mutex
	r      *bufio.Reader
	w      *bufio.Writer
	broken error // set once the stream is out of sync; the conn is closed
}

func Dial(ctx context.Context, addr netx.Addr, cfg ClientConfig) (*Client, error) {
	if cfg.Network == nil {
		cfg.Network = netx.NewTCPNetwork(0)
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = digest.Default
	}
	cfg.Logger = telemetry.OrDefault(cfg.Logger)

	conn, err := cfg.Network.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w: %w", addr, proto.ErrTransport, err)
	}
	return &Client{cfg: cfg, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// DownloadFile requests d.Hash and writes the payload to d.Dest. The bytes go
// to a ".part" file first and are only renamed into place once their digest
// matches d.Expect.
func (c *Client) DownloadFile(ctx context.Context, d Download) (*Result, error) {
	if d.Hash == "" || d.Dest == "" {
		return nil, errors.New("download: hash and destination are required")
	}
	expect := d.Expect
	if expect == "" {
		expect = d.Hash
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.Dest); err == nil {
		return nil, fmt.Errorf("download to %s: %w", d.Dest, fs.ErrExist)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, fmt.Errorf("download %q: %w: connection closed after earlier failure: %v", d.Hash, proto.ErrTransport, c.broken)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	req := proto.DownloadRequest{Hash: d.Hash, Filename: filepath.Base(d.Dest), Nickname: c.cfg.Nickname}
	if err := proto.Transfer.WriteMessage(c.w, req.Message()); err != nil {
		return nil, c.abandon(c.transportErr(ctx, "send request", err))
	}
	if err := c.w.Flush(); err != nil {
		return nil, c.abandon(c.transportErr(ctx, "send request", err))
	}

	m, err := proto.Transfer.ReadMessage(c.r)
	if err != nil {
		if errors.Is(err, proto.ErrProtocol) {
			return nil, c.abandon(err)
		}
		return nil, c.abandon(c.transportErr(ctx, "read reply", err))
	}
	reply, err := proto.ParseDownloadReply(m)
	if err != nil {
		return nil, c.abandon(err)
	}
	switch reply.Operation {
	case proto.OpFileNotFound:
		return nil, fmt.Errorf("download %q: %w", d.Hash, proto.ErrNotFound)
	case proto.OpFileAmbiguous:
		return nil, fmt.Errorf("download %q: %w", d.Hash, proto.ErrAmbiguous)
	case proto.OpDownloadFailed:
		return nil, fmt.Errorf("download %q: %w", d.Hash, ErrTransferFailed)
	}
	c.logf("receiving %s (%d bytes)", reply.Filename, reply.Size)

	res := &Result{Hash: reply.Hash, Filename: reply.Filename, Size: reply.Size}
	part := d.Dest + partSuffix
	sum, err := c.receive(part, reply.Size)
	if err != nil {
		_ = os.Remove(part)
		var local *fs.PathError
		if errors.As(err, &local) {
			return nil, c.abandon(err)
		}
		return nil, c.abandon(c.transportErr(ctx, "receive payload", err))
	}
	res.Digest = sum

	if !strings.EqualFold(sum, expect) {
		_ = os.Remove(part)
		return res, fmt.Errorf("download %q: got %s, want %s: %w", d.Hash, sum, expect, ErrDigestMismatch)
	}
	if err := os.Rename(part, d.Dest); err != nil {
		_ = os.Remove(part)
		return nil, err
	}
	res.Path = d.Dest
	return res, nil
}

// receive copies exactly size bytes from the connection into path and
// returns their digest.
func (c *Client) receive(path string, size int64) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	dw := digest.NewWriter(f, c.cfg.Algorithm)
	n, err := io.CopyN(dw, c.r, size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("short payload (%d of %d bytes): %w", n, size, io.ErrUnexpectedEOF)
		}
		return "", err
	}
	return dw.Sum(), nil
}

// abandon records err as the reason the connection can no longer be used
// and closes it. Part of a reply may still be unread.
func (c *Client) abandon(err error) error {
	c.broken = err
	_ = c.conn.Close()
	return err
}

func (c *Client) transportErr(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", what, proto.ErrTransport, err)
}

func (c *Client) logf(format string, args ...any) {
	if !c.cfg.Debug {
		return
	}
	c.cfg.Logger.Printf("[transfer] "+format, args...)
}
