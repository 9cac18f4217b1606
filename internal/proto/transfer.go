package proto

import (
	"strconv"
)

// Peer transfer operations.
const (
	OpDownload       = "download"
	OpDownloadOK     = "download_ok"
	OpFileNotFound   = "file_not_found"
	OpFileAmbiguous  = "file_ambiguous"
	OpDownloadFailed = "download_failed"

	FieldFilename = "filename"
	FieldSize     = "size"
)

// Transfer is the schema of the TCP peer transfer protocol. A download_ok
// header is followed by exactly size raw bytes.
var Transfer = NewSchema("transfer", FieldNickname, FieldHash, FieldFilename, FieldSize)

// DownloadRequest asks a peer for the file whose identifier matches Hash.
// Filename and Nickname are informational.
type DownloadRequest struct {
	Hash     string
	Filename string
	Nickname string
}

func (r DownloadRequest) Message() *Message {
	m := NewMessage(OpDownload).Set(FieldHash, r.Hash)
	if r.Filename != "" {
		m.Set(FieldFilename, r.Filename)
	}
	if r.Nickname != "" {
		m.Set(FieldNickname, r.Nickname)
	}
	return m
}

func ParseDownloadRequest(m *Message) (DownloadRequest, error) {
	if m.Operation != OpDownload {
		return DownloadRequest{}, protoErr("", "unknown transfer operation %q", m.Operation)
	}
	hash, err := require(m, FieldHash)
	if err != nil {
		return DownloadRequest{}, err
	}
	name, _ := m.Get(FieldFilename)
	nick, _ := m.Get(FieldNickname)
	return DownloadRequest{Hash: hash, Filename: name, Nickname: nick}, nil
}

// DownloadReply is the header a serving peer sends back. Size is meaningful
// only for OpDownloadOK.
type DownloadReply struct {
	Operation string
	Hash      string
	Filename  string
	Size      int64
}

func (r DownloadReply) OK() bool { return r.Operation == OpDownloadOK }

func (r DownloadReply) Message() *Message {
	m := NewMessage(r.Operation)
	if r.Hash != "" {
		m.Set(FieldHash, r.Hash)
	}
	if r.OK() {
		if r.Filename != "" {
			m.Set(FieldFilename, r.Filename)
		}
		m.Set(FieldSize, strconv.FormatInt(r.Size, 10))
	}
	return m
}

func ParseDownloadReply(m *Message) (DownloadReply, error) {
	r := DownloadReply{Operation: m.Operation}
	r.Hash, _ = m.Get(FieldHash)
	switch m.Operation {
	case OpDownloadOK:
		raw, err := require(m, FieldSize)
		if err != nil {
			return DownloadReply{}, err
		}
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size < 0 {
			return DownloadReply{}, protoErr("", "bad size %q", raw)
		}
		r.Size = size
		r.Filename, _ = m.Get(FieldFilename)
	case OpFileNotFound, OpFileAmbiguous, OpDownloadFailed:
	default:
		return DownloadReply{}, protoErr("", "unknown transfer reply %q", m.Operation)
	}
	return r, nil
}
