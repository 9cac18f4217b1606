package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMarshal_OperationFirstAndAbsentFieldsOmitted(t *testing.T) {
	m := NewMessage(OpSearch).Set(FieldHash, "abc").Set(FieldSessionKey, "42")

	b, err := Directory.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := "operation:search\nsessionkey:42\nhash:abc\n\n"
	if string(b) != want {
		t.Fatalf("got %q want %q", b, want)
	}
}

func TestUnmarshal_RoundTripKeepsAbsentFieldsAbsent(t *testing.T) {
	m := NewMessage(OpLogin).Set(FieldNickname, "alice")
	b, err := Directory.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Directory.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Operation != OpLogin {
		t.Fatalf("operation: got %q", got.Operation)
	}
	if v, ok := got.Get(FieldNickname); !ok || v != "alice" {
		t.Fatalf("nickname: got %q ok=%v", v, ok)
	}
	for _, f := range []string{FieldSessionKey, FieldUsers, FieldIP, FieldPort, FieldFiles, FieldHash, FieldServers} {
		if got.Has(f) {
			t.Fatalf("field %s should be absent", f)
		}
	}
}

func TestUnmarshal_EmptyValueIsPresent(t *testing.T) {
	got, err := Directory.Unmarshal([]byte("operation:filelist_ok\nfiles:\n\n"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	v, ok := got.Get(FieldFiles)
	if !ok || v != "" {
		t.Fatalf("files: got %q ok=%v", v, ok)
	}
}

func TestUnmarshal_CaseInsensitiveFieldsAndTrailingWhitespace(t *testing.T) {
	raw := "Operation:login \r\nNICKNAME: bob \t\n\n"
	got, err := Directory.Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Operation != "login" {
		t.Fatalf("operation: got %q", got.Operation)
	}
	if v, _ := got.Get(FieldNickname); v != "bob" {
		t.Fatalf("nickname: got %q", v)
	}
}

func TestUnmarshal_ValueMayContainDelimiter(t *testing.T) {
	got, err := Directory.Unmarshal([]byte("operation:userlist_ok\nusers:a=1:2\n\n"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, _ := got.Get(FieldUsers); v != "a=1:2" {
		t.Fatalf("users: got %q", v)
	}
}

func TestUnmarshal_StopsAtBlankLine(t *testing.T) {
	got, err := Directory.Unmarshal([]byte("operation:logout\nsessionkey:7\n\nbogus:field\n"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("expected 1 field, got %d", got.Len())
	}
}

func TestUnmarshal_StrictErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field":       "operation:login\ncolor:blue\n\n",
		"missing delimiter":   "operation:login\nnickname\n\n",
		"operation not first": "nickname:bob\noperation:login\n\n",
		"repeated field":      "operation:login\nnickname:a\nnickname:b\n\n",
		"repeated operation":  "operation:login\noperation:logout\n\n",
		"empty operation":     "operation:\n\n",
		"empty":               "\n\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Directory.Unmarshal([]byte(raw))
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProtocolError, got %T", err)
			}
		})
	}
}

func TestMarshal_Errors(t *testing.T) {
	if _, err := Directory.Marshal(NewMessage("")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("empty operation: got %v", err)
	}
	if _, err := Directory.Marshal(NewMessage(OpLogin).Set("filename", "x")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("field outside schema: got %v", err)
	}
	if _, err := Directory.Marshal(NewMessage(OpLogin).Set(FieldNickname, "a\nb")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("newline in value: got %v", err)
	}
}

func TestMarshalDatagram_SizeLimit(t *testing.T) {
	m := NewMessage(OpPublish).Set(FieldSessionKey, "1").Set(FieldFiles, strings.Repeat("x", MaxDatagramSize))
	if _, err := Directory.MarshalDatagram(m); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestReadMessage_HeaderThenPayload(t *testing.T) {
	var buf bytes.Buffer
	reply := DownloadReply{Operation: OpDownloadOK, Hash: "abc", Filename: "a.txt", Size: 5}
	if err := Transfer.WriteMessage(&buf, reply.Message()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	buf.WriteString("hello")
	if err := Transfer.WriteMessage(&buf, NewMessage(OpFileNotFound).Set(FieldHash, "zz")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := bufio.NewReader(&buf)
	m, err := Transfer.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	got, err := ParseDownloadReply(m)
	if err != nil {
		t.Fatalf("ParseDownloadReply: %v", err)
	}
	if !got.OK() || got.Size != 5 || got.Filename != "a.txt" {
		t.Fatalf("unexpected reply %+v", got)
	}
	payload := make([]byte, got.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload: got %q", payload)
	}

	m, err = Transfer.ReadMessage(r)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if m.Operation != OpFileNotFound {
		t.Fatalf("second op: got %q", m.Operation)
	}
	if _, err := Transfer.ReadMessage(r); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestReadMessage_TruncatedHeader(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("operation:download\nhash:ab"))
	if _, err := Transfer.ReadMessage(r); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadMessage_HeaderTooLarge(t *testing.T) {
	raw := "operation:download\nhash:" + strings.Repeat("a", MaxHeaderSize) + "\n\n"
	r := bufio.NewReader(strings.NewReader(raw))
	if _, err := Transfer.ReadMessage(r); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestTransferSchema_RejectsDirectoryFields(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("operation:download\nsessionkey:1\n\n"))
	if _, err := Transfer.ReadMessage(r); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
