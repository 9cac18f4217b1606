package directory

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"

	"p2p-files/internal/proto"
)

// Endpoint is where a serving identity accepts transfer connections.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
}

// Store holds all directory state: identities, sessions, endpoints,
// per-session catalogs and the hash -> publishers index.
//
// Store is not safe for concurrent use. The directory server loop is its
// only caller and handles one request at a time.
type Store struct {
	nicks     map[string]proto.SessionKey
	sessions  map[proto.SessionKey]string
	endpoints map[string]Endpoint
	catalogs  map[proto.SessionKey]map[string]proto.FileEntry
	index     map[string][]string // hash -> nicknames, insertion ordered

	random io.Reader
}

func NewStore() *Store {
	return newStoreWithRand(rand.Reader)
}

func newStoreWithRand(r io.Reader) *Store {
	return &Store{
		nicks:     make(map[string]proto.SessionKey),
		sessions:  make(map[proto.SessionKey]string),
		endpoints: make(map[string]Endpoint),
		catalogs:  make(map[proto.SessionKey]map[string]proto.FileEntry),
		index:     make(map[string][]string),
		random:    r,
	}
}

// Login registers nick and returns its new session key.
func (s *Store) Login(nick string) (proto.SessionKey, error) {
	if !proto.ValidNickname(nick) {
		return proto.NoSession, proto.ErrInvalidNickname
	}
	if _, taken := s.nicks[nick]; taken {
		return proto.NoSession, proto.ErrAlreadyLoggedIn
	}
	key, err := s.newKey()
	if err != nil {
		return proto.NoSession, err
	}
	s.nicks[nick] = key
	s.sessions[key] = nick
	return key, nil
}

// newKey draws random keys until one is non-zero and not held by a live
// session.
func (s *Store) newKey() (proto.SessionKey, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(s.random, b[:]); err != nil {
			return proto.NoSession, fmt.Errorf("session key: %w", err)
		}
		k := proto.SessionKey(binary.BigEndian.Uint64(b[:]))
		if k == proto.NoSession {
			continue
		}
		if _, used := s.sessions[k]; used {
			continue
		}
		return k, nil
	}
}

// Logout drops the session and everything the identity owned. It returns the
// nickname that was logged out.
func (s *Store) Logout(key proto.SessionKey) (string, error) {
	nick, ok := s.sessions[key]
	if !ok {
		return "", proto.ErrInvalidSession
	}
	s.dropCatalog(key, nick)
	delete(s.endpoints, nick)
	delete(s.sessions, key)
	delete(s.nicks, nick)
	return nick, nil
}

// Register records the endpoint of the session's identity. ip must be the
// source address of the request, never a value claimed by the peer.
func (s *Store) Register(key proto.SessionKey, port int, ip net.IP) error {
	nick, ok := s.sessions[key]
	if !ok {
		return proto.ErrInvalidSession
	}
	if !proto.ValidPort(port) {
		return fmt.Errorf("register %s: bad port %d", nick, port)
	}
	s.endpoints[nick] = Endpoint{IP: append(net.IP(nil), ip...), Port: port}
	return nil
}

// Unregister clears the endpoint and catalog but keeps the login.
func (s *Store) Unregister(key proto.SessionKey) error {
	nick, ok := s.sessions[key]
	if !ok {
		return proto.ErrInvalidSession
	}
	s.dropCatalog(key, nick)
	delete(s.endpoints, nick)
	return nil
}

// Publish replaces the session's catalog with files.
func (s *Store) Publish(key proto.SessionKey, files []proto.FileEntry) error {
	nick, ok := s.sessions[key]
	if !ok {
		return proto.ErrInvalidSession
	}

	next := make(map[string]proto.FileEntry, len(files))
	for _, f := range files {
		next[f.Hash] = f
	}
	for hash := range s.catalogs[key] {
		if _, keep := next[hash]; !keep {
			s.unindex(hash, nick)
		}
	}
	for hash := range next {
		s.indexAdd(hash, nick)
	}

	if len(next) == 0 {
		delete(s.catalogs, key)
		return nil
	}
	s.catalogs[key] = next
	return nil
}

// ListUsers returns every logged-in identity ordered by nickname.
func (s *Store) ListUsers(key proto.SessionKey) ([]proto.UserInfo, error) {
	if _, ok := s.sessions[key]; !ok {
		return nil, proto.ErrInvalidSession
	}
	out := make([]proto.UserInfo, 0, len(s.nicks))
	for nick := range s.nicks {
		u := proto.UserInfo{Nickname: nick}
		if ep, ok := s.endpoints[nick]; ok {
			u.Port = ep.Port
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}

// ListFiles returns all published files, one entry per hash. When several
// publishers name the same content differently the smallest name wins.
func (s *Store) ListFiles(key proto.SessionKey) ([]proto.FileEntry, error) {
	if _, ok := s.sessions[key]; !ok {
		return nil, proto.ErrInvalidSession
	}
	byHash := make(map[string]proto.FileEntry, len(s.index))
	for _, cat := range s.catalogs {
		for hash, f := range cat {
			if cur, seen := byHash[hash]; seen && cur.Name <= f.Name {
				continue
			}
			byHash[hash] = f
		}
	}
	out := make([]proto.FileEntry, 0, len(byHash))
	for _, f := range byHash {
		out = append(out, f)
	}
	proto.SortFiles(out)
	return out, nil
}

// SearchByIdentifier returns the nicknames publishing hash.
func (s *Store) SearchByIdentifier(key proto.SessionKey, hash string) ([]string, error) {
	if _, ok := s.sessions[key]; !ok {
		return nil, proto.ErrInvalidSession
	}
	nicks := s.index[hash]
	if len(nicks) == 0 {
		return nil, proto.ErrNotFound
	}
	return append([]string(nil), nicks...), nil
}

// ResolvePeer returns the registered endpoint of nick.
func (s *Store) ResolvePeer(key proto.SessionKey, nick string) (Endpoint, error) {
	if _, ok := s.sessions[key]; !ok {
		return Endpoint{}, proto.ErrInvalidSession
	}
	ep, ok := s.endpoints[nick]
	if !ok {
		return Endpoint{}, proto.ErrNotFound
	}
	return ep, nil
}

// Nickname returns the identity bound to key.
func (s *Store) Nickname(key proto.SessionKey) (string, bool) {
	nick, ok := s.sessions[key]
	return nick, ok
}

// Sessions returns the number of live sessions.
func (s *Store) Sessions() int { return len(s.sessions) }

func (s *Store) dropCatalog(key proto.SessionKey, nick string) {
	for hash := range s.catalogs[key] {
		s.unindex(hash, nick)
	}
	delete(s.catalogs, key)
}

func (s *Store) indexAdd(hash, nick string) {
	for _, n := range s.index[hash] {
		if n == nick {
			return
		}
	}
	s.index[hash] = append(s.index[hash], nick)
}

func (s *Store) unindex(hash, nick string) {
	nicks := s.index[hash]
	for i, n := range nicks {
		if n == nick {
			nicks = append(nicks[:i], nicks[i+1:]...)
			break
		}
	}
	if len(nicks) == 0 {
		delete(s.index, hash)
		return
	}
	s.index[hash] = nicks
}
