package peer

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"p2p-files/internal/digest"
	"p2p-files/internal/directory"
	"p2p-files/internal/telemetry"
)

func startDirectory(t *testing.T) string {
	t.Helper()
	srv, err := directory.NewServer(directory.Config{Addr: "127.0.0.1:0", Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Close()
	})
	return srv.Addr().String()
}

func newApp(t *testing.T, dirAddr string, files map[string]string) (*App, *bytes.Buffer, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Directory = dirAddr
	cfg.ShareDir = filepath.Join(root, "share")
	cfg.DownloadDir = filepath.Join(root, "downloads")
	cfg.DataDir = filepath.Join(root, "data")
	cfg.Bind = "127.0.0.1:0"
	cfg.DirTimeout = 500 * time.Millisecond
	cfg.Color = false

	if err := os.MkdirAll(cfg.ShareDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(cfg.ShareDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := &bytes.Buffer{}
	a, err := New(cfg, NewStdPrinter(out), telemetry.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, out, cfg
}

func run(t *testing.T, a *App, script ...string) {
	t.Helper()
	in := strings.NewReader(strings.Join(script, "\n") + "\n")
	if err := a.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestApp_ServeSearchDownload(t *testing.T) {
	addr := startDirectory(t)
	content := strings.Repeat("lorem ipsum ", 4096)
	hash, _, err := digest.SHA1.Sum(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	alice, aliceOut, _ := newApp(t, addr, map[string]string{"lorem.txt": content})
	run(t, alice, "/login alice", "/serve")
	if !strings.Contains(aliceOut.String(), "serving 1 files on port") {
		t.Fatalf("alice output:\n%s", aliceOut)
	}

	bob, bobOut, bobCfg := newApp(t, addr, nil)
	run(t, bob,
		"/login bob",
		"/users",
		"/search "+hash,
		"/download alice "+hash[:10]+" copy.txt",
	)
	out := bobOut.String()
	for _, want := range []string{"logged in as bob", "port ", "is shared by: alice", "downloaded lorem.txt from alice"} {
		if !strings.Contains(out, want) {
			t.Fatalf("bob output missing %q:\n%s", want, out)
		}
	}
	got, err := os.ReadFile(filepath.Join(bobCfg.DownloadDir, "copy.txt"))
	if err != nil {
		t.Fatalf("downloaded file: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content differs")
	}
}

func TestApp_ErrorsDoNotEndShell(t *testing.T) {
	addr := startDirectory(t)
	a, out, _ := newApp(t, addr, nil)
	run(t, a,
		"/users",
		"/login bad,nick",
		"/login carol",
		"/login carol",
		"/search deadbeef",
		"/download nobody abc x",
		"/stopserve",
		"/bogus",
		"/me",
	)
	text := out.String()
	for _, want := range []string{
		"users: not logged in",
		"login: login \"bad,nick\": invalid nickname",
		"logged in as carol",
		"not found",
		"stopserve: not serving",
		"unknown command",
		"State:      logged-in",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestApp_UnreachableDirectoryIsFatal(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Directory = silent.LocalAddr().String()
	cfg.ShareDir = root
	cfg.DirTimeout = 20 * time.Millisecond
	cfg.DirAttempts = 2
	cfg.Color = false

	a, err := New(cfg, NewStdPrinter(&bytes.Buffer{}), telemetry.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	err = a.Run(context.Background(), strings.NewReader("/login dave\n/users\n"))
	if err == nil || !fatal(err) {
		t.Fatalf("expected fatal directory error, got %v", err)
	}
}

func TestApp_QuitStopsReading(t *testing.T) {
	addr := startDirectory(t)
	a, out, _ := newApp(t, addr, nil)
	run(t, a, "/quit", "/login erin")
	if strings.Contains(out.String(), "logged in") {
		t.Fatalf("commands after /quit were executed:\n%s", out)
	}
}
