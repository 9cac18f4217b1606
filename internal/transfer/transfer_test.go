package transfer

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"p2p-files/internal/catalog"
	"p2p-files/internal/digest"
	"p2p-files/internal/netx"
	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

func sha1Of(t *testing.T, s string) string {
	t.Helper()
	sum, _, err := digest.SHA1.Sum(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

// shareDir writes files into a fresh directory and scans it.
func shareDir(t *testing.T, files map[string]string) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c, err := catalog.Scan(dir, catalog.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return c
}

func startServer(t *testing.T, cat Catalog, workers int) *Server {
	t.Helper()
	cfg := DefaultServerConfig(cat)
	cfg.Bind = "127.0.0.1:0"
	cfg.MaxWorkers = workers
	cfg.AcceptTimeout = 100 * time.Millisecond
	cfg.Logger = telemetry.Discard()
	cfg.Debug = true
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr(), ClientConfig{Nickname: "bob", Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDownload_PartialIdentifierVerifiedAgainstFullDigest(t *testing.T) {
	content := strings.Repeat("the quick brown fox\n", 5000)
	full := sha1Of(t, content)
	srv := startServer(t, shareDir(t, map[string]string{"fox.txt": content}), 4)
	c := dial(t, srv)

	dest := filepath.Join(t.TempDir(), "copy.txt")
	res, err := c.DownloadFile(context.Background(), Download{Hash: full[:6], Expect: full, Dest: dest})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if res.Hash != full || res.Digest != full || res.Size != int64(len(content)) || res.Filename != "fox.txt" {
		t.Fatalf("result: %+v", res)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content differs (%d bytes)", len(got))
	}
	if _, err := os.Stat(dest + partSuffix); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("part file left behind: %v", err)
	}
}

func TestDownload_PartialIdentifierWithoutExpectIsRejected(t *testing.T) {
	content := "small file"
	full := sha1Of(t, content)
	srv := startServer(t, shareDir(t, map[string]string{"a.txt": content}), 4)
	c := dial(t, srv)

	dest := filepath.Join(t.TempDir(), "a.txt")
	res, err := c.DownloadFile(context.Background(), Download{Hash: full[:4], Dest: dest})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if res == nil || res.Digest != full || res.Size != int64(len(content)) {
		t.Fatalf("result: %+v", res)
	}
	for _, p := range []string{dest, dest + partSuffix} {
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("%s should not exist: %v", p, err)
		}
	}

	// The stream is still in sync: a full-hash request on the same
	// connection succeeds.
	if _, err := c.DownloadFile(context.Background(), Download{Hash: full, Dest: dest}); err != nil {
		t.Fatalf("second download: %v", err)
	}
}

func TestDownload_NotFoundAndAmbiguousWriteNothing(t *testing.T) {
	cat := catalog.New([]catalog.Entry{
		{FileEntry: proto.FileEntry{Hash: "12aa", Name: "x"}, Path: "/nonexistent/x"},
		{FileEntry: proto.FileEntry{Hash: "12bb", Name: "y"}, Path: "/nonexistent/y"},
	})
	srv := startServer(t, cat, 4)
	c := dial(t, srv)
	dir := t.TempDir()

	cases := []struct {
		hash string
		want error
	}{
		{"zz", proto.ErrNotFound},
		{"12", proto.ErrAmbiguous},
		{"12aa", ErrTransferFailed}, // catalog entry points at a missing file
	}
	for _, tc := range cases {
		dest := filepath.Join(dir, tc.hash)
		_, err := c.DownloadFile(context.Background(), Download{Hash: tc.hash, Dest: dest})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.hash, tc.want, err)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("%s: files written: %v", tc.hash, entries)
		}
	}
}

func TestDownload_RefusesExistingDestination(t *testing.T) {
	srv := startServer(t, shareDir(t, map[string]string{"a": "a"}), 1)
	c := dial(t, srv)
	dest := filepath.Join(t.TempDir(), "exists")
	if err := os.WriteFile(dest, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DownloadFile(context.Background(), Download{Hash: sha1Of(t, "a"), Dest: dest}); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 4; i++ {
		files[string(rune('a'+i))+".bin"] = strings.Repeat(string(rune('a'+i)), 10000+i)
	}
	srv := startServer(t, shareDir(t, files), 3)
	dir := t.TempDir()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		name := string(rune('a'+i%4)) + ".bin"
		content := files[name]
		dest := filepath.Join(dir, string(rune('0'+i))+"-"+name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(context.Background(), srv.Addr(), ClientConfig{Logger: telemetry.Discard()})
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			sum, _, _ := digest.SHA1.Sum(strings.NewReader(content))
			if _, err := c.DownloadFile(context.Background(), Download{Hash: sum, Dest: dest}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent download: %v", err)
	}
}

func TestServer_ProtocolErrorClosesOnlyThatConnection(t *testing.T) {
	srv := startServer(t, shareDir(t, map[string]string{"a": "a"}), 4)

	bad, err := netx.NewTCPNetwork(time.Second).Dial(context.Background(), srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer bad.Close()
	_, _ = bad.Write([]byte("operation:download\ncolour:red\n\n"))
	_ = bad.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(bad).ReadByte(); err == nil {
		t.Fatalf("server answered a malformed request")
	}

	c := dial(t, srv)
	dest := filepath.Join(t.TempDir(), "a")
	if _, err := c.DownloadFile(context.Background(), Download{Hash: sha1Of(t, "a"), Dest: dest}); err != nil {
		t.Fatalf("good client after bad one: %v", err)
	}
}

func TestServer_StopEndsAcceptLoop(t *testing.T) {
	srv := startServer(t, shareDir(t, map[string]string{"a": "a"}), 1)
	if srv.Port() == 0 {
		t.Fatalf("no port assigned")
	}
	addr := srv.Addr()

	start := time.Now()
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Stop took %v", time.Since(start))
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if c, err := Dial(ctx, addr, ClientConfig{Logger: telemetry.Discard()}); err == nil {
		c.Close()
		t.Fatalf("dial succeeded after Stop")
	} else if !errors.Is(err, proto.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestDownload_ContextCancelled(t *testing.T) {
	srv := startServer(t, shareDir(t, map[string]string{"a": "a"}), 1)
	c := dial(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.DownloadFile(ctx, Download{Hash: sha1Of(t, "a"), Dest: filepath.Join(t.TempDir(), "a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDownload_StalledPayloadBreaksClient(t *testing.T) {
	network := netx.NewTCPNetwork(time.Second)
	addr, err := network.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer network.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := network.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := proto.Transfer.ReadMessage(bufio.NewReader(conn)); err != nil {
			return
		}
		reply := proto.DownloadReply{Operation: proto.OpDownloadOK, Hash: "abc", Filename: "big", Size: 100}
		if err := proto.Transfer.WriteMessage(conn, reply.Message()); err != nil {
			return
		}
		_, _ = conn.Write([]byte("0123456789"))
		<-release
	}()

	c, err := Dial(context.Background(), addr, ClientConfig{Nickname: "bob", Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	dir := t.TempDir()
	_, err = c.DownloadFile(ctx, Download{Hash: "abc", Dest: filepath.Join(dir, "first")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_, err = c.DownloadFile(context.Background(), Download{Hash: "abc", Dest: filepath.Join(dir, "second")})
	if !errors.Is(err, proto.ErrTransport) || errors.Is(err, proto.ErrProtocol) {
		t.Fatalf("expected transport error on reuse, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "second")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("second download left a file: %v", err)
	}
}
