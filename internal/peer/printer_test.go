package peer

import (
	"bytes"
	"strings"
	"testing"

	"p2p-files/internal/uiutil"
)

func TestStdPrinter_TableAlignsColouredCells(t *testing.T) {
	var buf bytes.Buffer
	p := NewStdPrinter(&buf)
	p.Table([]string{"NICK", "SERVING"}, [][]string{
		{uiutil.Nick("alice", true), "port 4000"},
		{"bob", uiutil.Dim("no", true)},
	})

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	want := strings.Index(lines[0], "SERVING")
	for _, line := range lines[1:] {
		plain := ansiEscape.ReplaceAllString(line, "")
		if len(plain) <= want || plain[want-1] != ' ' || plain[want] == ' ' {
			t.Fatalf("second column does not start at %d: %q", want, plain)
		}
	}
	if strings.HasSuffix(lines[1], " ") || strings.HasSuffix(lines[2], " ") {
		t.Fatalf("last column padded: %q", buf.String())
	}
}
