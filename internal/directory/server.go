package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

const readPoll = 500 * time.Millisecond

// LossModel decides whether an inbound datagram is dropped before it is
// processed. It is used to exercise client retransmission.
type LossModel interface {
	Drop() bool
}

type randomLoss struct {
	mu  sync.Mutex
	p   float64
	rng *rand.Rand
}

// NewRandomLoss drops each datagram independently with probability p.
func NewRandomLoss(p float64) LossModel {
	return &randomLoss{p: p, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *randomLoss) Drop() bool {
	if l.p <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.p
}

type Config struct {
	Addr   string    // UDP bind address, e.g. ":6868"
	Loss   LossModel // nil means no simulated loss
	Logger telemetry.Logger
	Debug  bool
}

func DefaultConfig() Config {
	return Config{Addr: fmt.Sprintf(":%d", proto.DefaultDirectoryPort)}
}

// Server answers directory requests one datagram at a time.
type Server struct {
	cfg   Config
	conn  *net.UDPConn
	store *Store
}

// NewServer binds the UDP socket. Call Serve to start answering.
func NewServer(cfg Config) (*Server, error) {
	cfg.Logger = telemetry.OrDefault(cfg.Logger)
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("directory resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("directory listen: %w", err)
	}
	return &Server{cfg: cfg, conn: conn, store: NewStore()}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

func (s *Server) Close() error { return s.conn.Close() }

// Serve runs the request loop until ctx is cancelled or the socket fails.
// Requests are handled strictly in arrival order, so the store is only ever
// touched by this goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.cfg.Logger.Printf("[directory] listening on %s", s.Addr())
	buf := make([]byte, proto.MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("directory read: %w", err)
		}

		s.logf("received %d bytes from %s", n, from)
		if n == 0 {
			s.cfg.Logger.Printf("[directory] ignoring empty datagram from %s", from)
			continue
		}
		if s.cfg.Loss != nil && s.cfg.Loss.Drop() {
			s.cfg.Logger.Printf("[directory] DISCARDED datagram from %s", from)
			continue
		}

		reply, err := s.process(buf[:n], from)
		if err != nil {
			s.cfg.Logger.Printf("[directory] ignoring malformed datagram from %s: %v", from, err)
			continue
		}
		if _, err := s.conn.WriteToUDP(reply, from); err != nil {
			s.cfg.Logger.Printf("[directory] reply to %s failed: %v", from, err)
		}
	}
}

// process decodes one datagram, applies it to the store and returns the
// encoded reply.
func (s *Server) process(data []byte, from *net.UDPAddr) ([]byte, error) {
	msg, err := proto.Directory.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	req, err := proto.ParseRequest(msg)
	if err != nil {
		return nil, err
	}
	resp := s.handle(req, from)
	s.logf("%s from %s -> %s", req.Op(), from, resp.Op())

	out, err := proto.Directory.MarshalDatagram(resp.Message())
	if err != nil {
		// Too large to fit a datagram; the requester only learns it failed.
		s.cfg.Logger.Printf("[directory] %s reply does not fit: %v", resp.Op(), err)
		return proto.Directory.MarshalDatagram(proto.Failure{Request: req.Op()}.Message())
	}
	return out, nil
}

func (s *Server) handle(req proto.Request, from *net.UDPAddr) proto.Response {
	fail := proto.Failure{Request: req.Op()}

	switch r := req.(type) {
	case proto.LoginRequest:
		key, err := s.store.Login(r.Nickname)
		if err != nil {
			s.logf("login %q rejected: %v", r.Nickname, err)
			return fail
		}
		s.logf("%s logged in, %d sessions", r.Nickname, s.store.Sessions())
		return proto.LoginOK{Nickname: r.Nickname, Key: key}

	case proto.LogoutRequest:
		nick, err := s.store.Logout(r.Key)
		if err != nil {
			return fail
		}
		return proto.LogoutOK{Nickname: nick}

	case proto.UserListRequest:
		users, err := s.store.ListUsers(r.Key)
		if err != nil {
			return fail
		}
		return proto.UserListOK{Users: users}

	case proto.DownloadFromRequest:
		ep, err := s.store.ResolvePeer(r.Key, r.Nickname)
		if err != nil {
			s.logf("downloadfrom %q: %v", r.Nickname, err)
			return fail
		}
		return proto.DownloadFromOK{Nickname: r.Nickname, IP: ep.IP, Port: ep.Port}

	case proto.RegisterRequest:
		if err := s.store.Register(r.Key, r.Port, from.IP); err != nil {
			return fail
		}
		return proto.RegisterOK{}

	case proto.UnregisterRequest:
		if err := s.store.Unregister(r.Key); err != nil {
			return fail
		}
		return proto.UnregisterOK{}

	case proto.PublishRequest:
		if err := s.store.Publish(r.Key, r.Files); err != nil {
			return fail
		}
		return proto.PublishOK{}

	case proto.FileListRequest:
		files, err := s.store.ListFiles(r.Key)
		if err != nil {
			return fail
		}
		return proto.FileListOK{Files: files}

	case proto.SearchRequest:
		servers, err := s.store.SearchByIdentifier(r.Key, r.Hash)
		if err != nil {
			s.logf("search %q: %v", r.Hash, err)
			return fail
		}
		return proto.SearchOK{Hash: r.Hash, Servers: servers}
	}
	return fail
}

func (s *Server) logf(format string, args ...any) {
	if !s.cfg.Debug {
		return
	}
	s.cfg.Logger.Printf("[directory] "+format, args...)
}
