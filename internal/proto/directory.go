package proto

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultDirectoryPort is the UDP port the directory listens on.
const DefaultDirectoryPort = 6868

// Directory request operations. Each has a mirrored "_ok" and "_failed" reply.
const (
	OpLogin        = "login"
	OpLogout       = "logout"
	OpUserList     = "userlist"
	OpDownloadFrom = "downloadfrom"
	OpRegister     = "register"
	OpUnregister   = "unregister"
	OpPublish      = "publish"
	OpFileList     = "filelist"
	OpSearch       = "search"

	okSuffix     = "_ok"
	failedSuffix = "_failed"
)

var directoryOps = map[string]bool{
	OpLogin: true, OpLogout: true, OpUserList: true, OpDownloadFrom: true,
	OpRegister: true, OpUnregister: true, OpPublish: true, OpFileList: true, OpSearch: true,
}

// Directory protocol fields.
const (
	FieldNickname   = "nickname"
	FieldSessionKey = "sessionkey"
	FieldUsers      = "users"
	FieldIP         = "ip"
	FieldPort       = "port"
	FieldFiles      = "files"
	FieldHash       = "hash"
	FieldServers    = "servers"
)

// Directory is the schema of the UDP directory protocol.
var Directory = NewSchema("directory",
	FieldNickname, FieldSessionKey, FieldUsers, FieldIP, FieldPort, FieldFiles, FieldHash, FieldServers)

func OKOp(op string) string     { return op + okSuffix }
func FailedOp(op string) string { return op + failedSuffix }

// SessionKey is the credential handed out at login. Zero is never issued.
type SessionKey uint64

const NoSession SessionKey = 0

func (k SessionKey) String() string { return strconv.FormatUint(uint64(k), 10) }

// ParseSessionKey parses a decimal key. Anything unparsable yields NoSession,
// which the directory treats like any other key it never issued.
func ParseSessionKey(s string) SessionKey {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return NoSession
	}
	return SessionKey(v)
}

// UserInfo is one row of a user listing. Port is zero when the user is not
// serving files.
type UserInfo struct {
	Nickname string
	Port     int
}

func (u UserInfo) Serving() bool { return u.Port > 0 }

// FileEntry is one published file.
type FileEntry struct {
	Hash string
	Name string
	Size int64
}

// ValidNickname reports whether s can be used as a nickname.
func ValidNickname(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// ValidHash reports whether s is usable as a (possibly partial) content
// identifier: non-empty and alphanumeric.
func ValidHash(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func ValidPort(p int) bool { return p > 0 && p <= 65535 }

// ---- requests ----

// Request is a typed directory request.
type Request interface {
	Op() string
	Message() *Message
}

type LoginRequest struct{ Nickname string }

type LogoutRequest struct{ Key SessionKey }

type UserListRequest struct{ Key SessionKey }

// DownloadFromRequest asks for the serving endpoint of Nickname.
type DownloadFromRequest struct {
	Key      SessionKey
	Nickname string
}

type RegisterRequest struct {
	Key  SessionKey
	Port int
}

type UnregisterRequest struct{ Key SessionKey }

type PublishRequest struct {
	Key   SessionKey
	Files []FileEntry
}

type FileListRequest struct{ Key SessionKey }

type SearchRequest struct {
	Key  SessionKey
	Hash string
}

func (LoginRequest) Op() string        { return OpLogin }
func (LogoutRequest) Op() string       { return OpLogout }
func (UserListRequest) Op() string     { return OpUserList }
func (DownloadFromRequest) Op() string { return OpDownloadFrom }
func (RegisterRequest) Op() string     { return OpRegister }
func (UnregisterRequest) Op() string   { return OpUnregister }
func (PublishRequest) Op() string      { return OpPublish }
func (FileListRequest) Op() string     { return OpFileList }
func (SearchRequest) Op() string       { return OpSearch }

func (r LoginRequest) Message() *Message {
	return NewMessage(OpLogin).Set(FieldNickname, r.Nickname)
}

func (r LogoutRequest) Message() *Message {
	return NewMessage(OpLogout).Set(FieldSessionKey, r.Key.String())
}

func (r UserListRequest) Message() *Message {
	return NewMessage(OpUserList).Set(FieldSessionKey, r.Key.String())
}

func (r DownloadFromRequest) Message() *Message {
	return NewMessage(OpDownloadFrom).
		Set(FieldSessionKey, r.Key.String()).
		Set(FieldNickname, r.Nickname)
}

func (r RegisterRequest) Message() *Message {
	return NewMessage(OpRegister).
		Set(FieldSessionKey, r.Key.String()).
		Set(FieldPort, strconv.Itoa(r.Port))
}

func (r UnregisterRequest) Message() *Message {
	return NewMessage(OpUnregister).Set(FieldSessionKey, r.Key.String())
}

func (r PublishRequest) Message() *Message {
	return NewMessage(OpPublish).
		Set(FieldSessionKey, r.Key.String()).
		Set(FieldFiles, EncodeFiles(r.Files))
}

func (r FileListRequest) Message() *Message {
	return NewMessage(OpFileList).Set(FieldSessionKey, r.Key.String())
}

func (r SearchRequest) Message() *Message {
	return NewMessage(OpSearch).
		Set(FieldSessionKey, r.Key.String()).
		Set(FieldHash, r.Hash)
}

// ParseRequest validates m and converts it to its typed request.
func ParseRequest(m *Message) (Request, error) {
	switch m.Operation {
	case OpLogin:
		nick, err := require(m, FieldNickname)
		if err != nil {
			return nil, err
		}
		return LoginRequest{Nickname: nick}, nil
	}

	if !directoryOps[m.Operation] {
		return nil, protoErr("", "unknown directory operation %q", m.Operation)
	}
	raw, err := require(m, FieldSessionKey)
	if err != nil {
		return nil, err
	}
	key := ParseSessionKey(raw)

	switch m.Operation {
	case OpLogout:
		return LogoutRequest{Key: key}, nil
	case OpUserList:
		return UserListRequest{Key: key}, nil
	case OpUnregister:
		return UnregisterRequest{Key: key}, nil
	case OpFileList:
		return FileListRequest{Key: key}, nil
	case OpDownloadFrom:
		nick, err := require(m, FieldNickname)
		if err != nil {
			return nil, err
		}
		return DownloadFromRequest{Key: key, Nickname: nick}, nil
	case OpRegister:
		port, err := requirePort(m)
		if err != nil {
			return nil, err
		}
		return RegisterRequest{Key: key, Port: port}, nil
	case OpPublish:
		raw, err := require(m, FieldFiles)
		if err != nil {
			return nil, err
		}
		files, err := DecodeFiles(raw)
		if err != nil {
			return nil, err
		}
		return PublishRequest{Key: key, Files: files}, nil
	default: // OpSearch
		hash, err := require(m, FieldHash)
		if err != nil {
			return nil, err
		}
		if hash == "" {
			return nil, protoErr("", "empty hash")
		}
		return SearchRequest{Key: key, Hash: hash}, nil
	}
}

// ---- responses ----

// Response is a typed directory reply.
type Response interface {
	Op() string
	Message() *Message
}

type LoginOK struct {
	Nickname string
	Key      SessionKey
}

type LogoutOK struct{ Nickname string }

type UserListOK struct{ Users []UserInfo }

// DownloadFromOK carries the registered endpoint of the requested peer.
type DownloadFromOK struct {
	Nickname string
	IP       net.IP
	Port     int
}

type RegisterOK struct{}

type UnregisterOK struct{}

type PublishOK struct{}

type FileListOK struct{ Files []FileEntry }

type SearchOK struct {
	Hash    string
	Servers []string
}

// Failure is the "<request>_failed" reply of any request.
type Failure struct{ Request string }

func (LoginOK) Op() string        { return OKOp(OpLogin) }
func (LogoutOK) Op() string       { return OKOp(OpLogout) }
func (UserListOK) Op() string     { return OKOp(OpUserList) }
func (DownloadFromOK) Op() string { return OKOp(OpDownloadFrom) }
func (RegisterOK) Op() string     { return OKOp(OpRegister) }
func (UnregisterOK) Op() string   { return OKOp(OpUnregister) }
func (PublishOK) Op() string      { return OKOp(OpPublish) }
func (FileListOK) Op() string     { return OKOp(OpFileList) }
func (SearchOK) Op() string       { return OKOp(OpSearch) }
func (f Failure) Op() string      { return FailedOp(f.Request) }

func (r LoginOK) Message() *Message {
	return NewMessage(r.Op()).
		Set(FieldNickname, r.Nickname).
		Set(FieldSessionKey, r.Key.String())
}

func (r LogoutOK) Message() *Message {
	return NewMessage(r.Op()).Set(FieldNickname, r.Nickname)
}

func (r UserListOK) Message() *Message {
	return NewMessage(r.Op()).Set(FieldUsers, EncodeUsers(r.Users))
}

func (r DownloadFromOK) Message() *Message {
	return NewMessage(r.Op()).
		Set(FieldNickname, r.Nickname).
		Set(FieldIP, r.IP.String()).
		Set(FieldPort, strconv.Itoa(r.Port))
}

func (r RegisterOK) Message() *Message   { return NewMessage(r.Op()) }
func (r UnregisterOK) Message() *Message { return NewMessage(r.Op()) }
func (r PublishOK) Message() *Message    { return NewMessage(r.Op()) }

func (r FileListOK) Message() *Message {
	return NewMessage(r.Op()).Set(FieldFiles, EncodeFiles(r.Files))
}

func (r SearchOK) Message() *Message {
	return NewMessage(r.Op()).
		Set(FieldHash, r.Hash).
		Set(FieldServers, strings.Join(r.Servers, ","))
}

func (r Failure) Message() *Message { return NewMessage(r.Op()) }

// ParseResponse validates m and converts it to its typed reply.
func ParseResponse(m *Message) (Response, error) {
	op := m.Operation
	if req, ok := strings.CutSuffix(op, failedSuffix); ok && directoryOps[req] {
		return Failure{Request: req}, nil
	}
	req, ok := strings.CutSuffix(op, okSuffix)
	if !ok || !directoryOps[req] {
		return nil, protoErr("", "unknown directory reply %q", op)
	}

	switch req {
	case OpLogin:
		nick, _ := m.Get(FieldNickname)
		raw, err := require(m, FieldSessionKey)
		if err != nil {
			return nil, err
		}
		key := ParseSessionKey(raw)
		if key == NoSession {
			return nil, protoErr("", "bad session key %q", raw)
		}
		return LoginOK{Nickname: nick, Key: key}, nil
	case OpLogout:
		nick, _ := m.Get(FieldNickname)
		return LogoutOK{Nickname: nick}, nil
	case OpUserList:
		raw, _ := m.Get(FieldUsers)
		users, err := DecodeUsers(raw)
		if err != nil {
			return nil, err
		}
		return UserListOK{Users: users}, nil
	case OpDownloadFrom:
		nick, _ := m.Get(FieldNickname)
		raw, err := require(m, FieldIP)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(strings.TrimPrefix(raw, "/"))
		if ip == nil {
			return nil, protoErr("", "bad ip %q", raw)
		}
		port, err := requirePort(m)
		if err != nil {
			return nil, err
		}
		return DownloadFromOK{Nickname: nick, IP: ip, Port: port}, nil
	case OpRegister:
		return RegisterOK{}, nil
	case OpUnregister:
		return UnregisterOK{}, nil
	case OpPublish:
		return PublishOK{}, nil
	case OpFileList:
		raw, _ := m.Get(FieldFiles)
		files, err := DecodeFiles(raw)
		if err != nil {
			return nil, err
		}
		return FileListOK{Files: files}, nil
	default: // OpSearch
		hash, _ := m.Get(FieldHash)
		raw, _ := m.Get(FieldServers)
		return SearchOK{Hash: hash, Servers: splitList(raw, ",")}, nil
	}
}

// BelongsTo reports whether reply op answers request op.
func BelongsTo(reply, request string) bool {
	return reply == OKOp(request) || reply == FailedOp(request)
}

// Answers reports whether resp can be the reply to req. Beyond the operation
// it compares the fields a reply echoes back, so a late duplicate answering
// an earlier search or downloadfrom is not mistaken for the current one.
func Answers(req Request, resp Response) bool {
	if !BelongsTo(resp.Op(), req.Op()) {
		return false
	}
	switch r := resp.(type) {
	case LoginOK:
		if q, ok := req.(LoginRequest); ok && r.Nickname != "" {
			return r.Nickname == q.Nickname
		}
	case SearchOK:
		if q, ok := req.(SearchRequest); ok && r.Hash != "" {
			return r.Hash == q.Hash
		}
	case DownloadFromOK:
		if q, ok := req.(DownloadFromRequest); ok && r.Nickname != "" {
			return r.Nickname == q.Nickname
		}
	}
	return true
}

// ---- list encodings ----

// EncodeUsers renders users as "nick" or "nick=port", comma separated.
func EncodeUsers(users []UserInfo) string {
	parts := make([]string, 0, len(users))
	for _, u := range users {
		if u.Serving() {
			parts = append(parts, u.Nickname+"="+strconv.Itoa(u.Port))
			continue
		}
		parts = append(parts, u.Nickname)
	}
	return strings.Join(parts, ",")
}

func DecodeUsers(s string) ([]UserInfo, error) {
	var out []UserInfo
	for _, part := range splitList(s, ",") {
		nick, portStr, serving := strings.Cut(part, "=")
		u := UserInfo{Nickname: nick}
		if serving {
			p, err := strconv.Atoi(portStr)
			if err != nil || !ValidPort(p) {
				return nil, protoErr("", "bad port in user entry %q", part)
			}
			u.Port = p
		}
		out = append(out, u)
	}
	return out, nil
}

// EncodeFiles renders entries as "hash,size,name" separated by ';'. Names
// are path-escaped so they cannot collide with the separators.
func EncodeFiles(files []FileEntry) string {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, f.Hash+","+strconv.FormatInt(f.Size, 10)+","+url.PathEscape(f.Name))
	}
	return strings.Join(parts, ";")
}

func DecodeFiles(s string) ([]FileEntry, error) {
	var out []FileEntry
	for _, part := range splitList(s, ";") {
		fields := strings.SplitN(part, ",", 3)
		if len(fields) != 3 || fields[0] == "" {
			return nil, protoErr("", "bad file entry %q", part)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || size < 0 {
			return nil, protoErr("", "bad size in file entry %q", part)
		}
		name, err := url.PathUnescape(fields[2])
		if err != nil {
			return nil, protoErr("", "bad name in file entry %q", part)
		}
		out = append(out, FileEntry{Hash: fields[0], Name: name, Size: size})
	}
	return out, nil
}

// SortFiles orders entries by hash, then name.
func SortFiles(files []FileEntry) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Hash != files[j].Hash {
			return files[i].Hash < files[j].Hash
		}
		return files[i].Name < files[j].Name
	})
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func require(m *Message, field string) (string, error) {
	v, ok := m.Get(field)
	if !ok {
		return "", protoErr("", "%s: missing field %q", m.Operation, field)
	}
	return v, nil
}

func requirePort(m *Message) (int, error) {
	raw, err := require(m, FieldPort)
	if err != nil {
		return 0, err
	}
	p, err := strconv.Atoi(raw)
	if err != nil || !ValidPort(p) {
		return 0, protoErr("", "%s: bad port %q", m.Operation, raw)
	}
	return p, nil
}
