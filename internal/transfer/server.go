package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"p2p-files/internal/catalog"
	"p2p-files/internal/netx"
	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

const (
	DefaultMaxWorkers    = 16
	DefaultAcceptTimeout = 1 * time.Second
	DefaultIdleTimeout   = 2 * time.Minute
)

// Catalog resolves a requested identifier to a single local file.
type Catalog interface {
	Resolve(id string) (catalog.Entry, error)
}

type ServerConfig struct {
	Bind          string       // e.g. ":0" for an OS-assigned port
	Catalog       Catalog      // read-only while serving
	Network       netx.Network // defaults to TCP
	MaxWorkers    int          // concurrent connections
	AcceptTimeout time.Duration
	IdleTimeout   time.Duration // per request read deadline
	Logger        telemetry.Logger
	Debug         bool
}

func DefaultServerConfig(cat Catalog) ServerConfig {
	return ServerConfig{
		Bind:          ":0",
		Catalog:       cat,
		MaxWorkers:    DefaultMaxWorkers,
		AcceptTimeout: DefaultAcceptTimeout,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

// Server accepts peer connections and streams catalog files to them, one
// worker goroutine per connection.
type Server struct {
	cfg  ServerConfig
	addr netx.Addr

	sem      chan struct{}
	stopping atomic.Bool
	loopDone chan struct{}
	workers  sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("transfer server: nil catalog")
	}
	if cfg.Network == nil {
		cfg.Network = netx.NewTCPNetwork(0)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	cfg.Logger = telemetry.OrDefault(cfg.Logger)
	return &Server{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxWorkers),
		loopDone: make(chan struct{}),
	}, nil
}

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("transfer server already started")
	}
	addr, err := s.cfg.Network.Listen(s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Bind, err)
	}
	s.addr = addr
	s.started = true
	s.cfg.Logger.Printf("[transfer] serving on %s", addr)

	go s.acceptLoop()
	return nil
}

func (s *Server) Addr() netx.Addr { return s.addr }

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	_, p, err := net.SplitHostPort(string(s.addr))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// Stop raises the stop flag and waits for the accept loop to notice it, at
// most one AcceptTimeout. In-flight transfers are left to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if s.stopping.Swap(true) {
		<-s.loopDone
		return nil
	}
	<-s.loopDone
	return s.cfg.Network.Close()
}

// Wait blocks until every worker has returned.
func (s *Server) Wait() { s.workers.Wait() }

func (s *Server) acceptLoop() {
	defer close(s.loopDone)
	for !s.stopping.Load() {
		if err := s.cfg.Network.SetAcceptDeadline(time.Now().Add(s.cfg.AcceptTimeout)); err != nil {
			s.cfg.Logger.Printf("[transfer] accept deadline: %v", err)
			return
		}
		conn, err := s.cfg.Network.Accept()
		if err != nil {
			if netx.IsTimeout(err) {
				continue
			}
			if !s.stopping.Load() {
				s.cfg.Logger.Printf("[transfer] accept error: %v", err)
			}
			return
		}
		if !s.acquire() {
			_ = conn.Close()
			return
		}
		s.workers.Add(1)
		go s.handleConn(conn)
	}
}

// acquire takes a worker slot, giving up only if the server is stopping.
func (s *Server) acquire() bool {
	for {
		select {
		case s.sem <- struct{}{}:
			return true
		case <-time.After(s.cfg.AcceptTimeout):
			if s.stopping.Load() {
				return false
			}
			s.logf("all %d workers busy", s.cfg.MaxWorkers)
		}
	}
}

func (s *Server) handleConn(conn netx.Conn) {
	id := uuid.NewString()[:8]
	defer func() {
		_ = conn.Close()
		<-s.sem
		s.workers.Done()
	}()
	s.logf("%s: connection from %s", id, conn.RemoteAddr())

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
		m, err := proto.Transfer.ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.cfg.Logger.Printf("[transfer] %s: closing %s: %v", id, conn.RemoteAddr(), err)
			}
			return
		}
		req, err := proto.ParseDownloadRequest(m)
		if err != nil {
			s.cfg.Logger.Printf("[transfer] %s: closing %s: %v", id, conn.RemoteAddr(), err)
			return
		}
		if err := s.serve(w, req, id); err != nil {
			s.cfg.Logger.Printf("[transfer] %s: %s: %v", id, conn.RemoteAddr(), err)
			return
		}
	}
}

// serve answers one download request. A returned error means the connection
// is no longer usable.
func (s *Server) serve(w *bufio.Writer, req proto.DownloadRequest, id string) error {
	s.logf("%s: %s requests %q (%s)", id, orUnknown(req.Nickname), req.Hash, req.Filename)

	reply := proto.DownloadReply{Hash: req.Hash}
	entry, err := s.cfg.Catalog.Resolve(req.Hash)
	switch {
	case errors.Is(err, proto.ErrNotFound):
		reply.Operation = proto.OpFileNotFound
		return s.reply(w, reply, nil)
	case errors.Is(err, proto.ErrAmbiguous):
		reply.Operation = proto.OpFileAmbiguous
		return s.reply(w, reply, nil)
	case err != nil:
		reply.Operation = proto.OpDownloadFailed
		return s.reply(w, reply, nil)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		s.cfg.Logger.Printf("[transfer] %s: open %s: %v", id, entry.Name, err)
		reply.Operation = proto.OpDownloadFailed
		return s.reply(w, reply, nil)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		reply.Operation = proto.OpDownloadFailed
		return s.reply(w, reply, nil)
	}

	reply = proto.DownloadReply{
		Operation: proto.OpDownloadOK,
		Hash:      entry.Hash,
		Filename:  entry.Name,
		Size:      fi.Size(),
	}
	if err := s.reply(w, reply, f); err != nil {
		return err
	}
	s.logf("%s: sent %s (%d bytes)", id, entry.Name, fi.Size())
	return nil
}

func (s *Server) reply(w *bufio.Writer, reply proto.DownloadReply, body io.Reader) error {
	if err := proto.Transfer.WriteMessage(w, reply.Message()); err != nil {
		return err
	}
	if body != nil {
		if _, err := io.CopyN(w, body, reply.Size); err != nil {
			return fmt.Errorf("send %s: %w", reply.Filename, err)
		}
	}
	return w.Flush()
}

func (s *Server) logf(format string, args ...any) {
	if !s.cfg.Debug {
		return
	}
	s.cfg.Logger.Printf("[transfer] "+format, args...)
}

func orUnknown(nick string) string {
	if nick == "" {
		return "(anonymous)"
	}
	return nick
}
