package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"p2p-files/internal/dirclient"
	"p2p-files/internal/netx"
	"p2p-files/internal/proto"
	"p2p-files/internal/transfer"
	"p2p-files/internal/uiutil"
)

// handleCommand runs one shell line. Errors are printed here; only ErrQuit
// and fatal directory errors are returned.
func (a *App) handleCommand(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "/quit", "/exit":
		a.ui.Println("quitting...")
		return ErrQuit

	case "/login":
		if len(args) != 1 {
			a.ui.Println("usage: /login <nick>")
			return nil
		}
		err = a.login(ctx, args[0])

	case "/logout":
		a.stopServer()
		if err = a.dir.Logout(ctx); err == nil {
			a.ui.Println("logged out")
		}

	case "/users":
		err = a.users(ctx)

	case "/files":
		err = a.files(ctx)

	case "/myfiles":
		a.myFiles()

	case "/serve":
		err = a.serve(ctx)

	case "/stopserve":
		err = a.stopServe(ctx)

	case "/publish":
		if err = a.dir.Publish(ctx, a.cat.Files()); err == nil {
			a.ui.Printf("published %d files\n", a.cat.Len())
		}

	case "/rescan":
		err = a.rescan(ctx)

	case "/search":
		if len(args) != 1 {
			a.ui.Println("usage: /search <hash>")
			return nil
		}
		err = a.search(ctx, args[0])

	case "/download":
		if len(args) != 3 {
			a.ui.Println("usage: /download <nick> <hash> <name>")
			return nil
		}
		err = a.download(ctx, args[0], args[1], args[2])

	case "/me":
		a.me()

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
		return nil
	}

	if err == nil {
		return nil
	}
	a.ui.Printf("%s: %v\n", strings.TrimPrefix(cmd, "/"), err)
	if fatal(err) && !errors.Is(err, errPeer) {
		return fmt.Errorf("directory unusable: %w", err)
	}
	return nil
}

// errPeer marks failures talking to another peer, which never end the shell.
var errPeer = errors.New("peer transfer")

func (a *App) login(ctx context.Context, nick string) error {
	key, err := a.dir.Login(ctx, nick)
	if err != nil {
		return err
	}
	a.ui.Printf("logged in as %s\n", a.nick(nick))
	a.logf("session key %s", key)
	return nil
}

func (a *App) users(ctx context.Context) error {
	users, err := a.dir.UserList(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		serving := uiutil.Dim("no", a.cfg.Color)
		if u.Serving() {
			serving = "port " + strconv.Itoa(u.Port)
		}
		rows = append(rows, []string{a.nick(u.Nickname), serving})
	}
	a.ui.Table([]string{"NICK", "SERVING"}, rows)
	return nil
}

func (a *App) files(ctx context.Context) error {
	files, err := a.dir.FileList(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		a.ui.Println("no files published")
		return nil
	}
	printFiles(a.ui, files)
	return nil
}

func (a *App) myFiles() {
	files := a.cat.Files()
	if len(files) == 0 {
		a.ui.Printf("nothing shared in %s\n", a.cat.Dir())
		return
	}
	printFiles(a.ui, files)
}

func printFiles(p Printer, files []proto.FileEntry) {
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f.Hash, uiutil.HumanSize(f.Size), f.Name})
	}
	p.Table([]string{"HASH", "SIZE", "NAME"}, rows)
}

func (a *App) serve(ctx context.Context) error {
	if a.dir.State() != dirclient.StateLoggedIn {
		return fmt.Errorf("must be logged in and not already serving: %w", dirclient.ErrState)
	}
	srv, err := a.startServer()
	if err != nil {
		return err
	}
	if err := a.dir.Register(ctx, srv.Port()); err != nil {
		a.stopServer()
		return err
	}
	if err := a.dir.Publish(ctx, a.cat.Files()); err != nil {
		return err
	}
	a.ui.Printf("serving %d files on port %d\n", a.cat.Len(), srv.Port())
	return nil
}

func (a *App) stopServe(ctx context.Context) error {
	if a.server() == nil {
		return fmt.Errorf("not serving: %w", dirclient.ErrState)
	}
	err := a.dir.Unregister(ctx)
	a.stopServer()
	if err != nil {
		return err
	}
	a.ui.Println("stopped serving")
	return nil
}

func (a *App) rescan(ctx context.Context) error {
	if err := a.cat.Rescan(); err != nil {
		return err
	}
	a.ui.Printf("%d files in %s\n", a.cat.Len(), a.cat.Dir())
	if a.dir.State() == dirclient.StateLoggedOut {
		return nil
	}
	if err := a.dir.Publish(ctx, a.cat.Files()); err != nil {
		return err
	}
	a.ui.Println("catalog republished")
	return nil
}

func (a *App) search(ctx context.Context, hash string) error {
	servers, err := a.dir.Search(ctx, hash)
	if err != nil {
		return err
	}
	names := make([]string, len(servers))
	for i, s := range servers {
		names[i] = a.nick(s)
	}
	a.ui.Printf("%s is shared by: %s\n", uiutil.ShortHash(hash), strings.Join(names, ", "))
	return nil
}

func (a *App) download(ctx context.Context, nick, id, name string) error {
	addr, err := a.dir.LookupServer(ctx, nick)
	if err != nil {
		return err
	}
	expect, err := a.expand(ctx, id)
	if err != nil {
		return err
	}

	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return fmt.Errorf("bad local name %q", name)
	}
	dest := filepath.Join(a.cfg.DownloadDir, base)

	c, err := transfer.Dial(ctx, netx.Addr(addr.String()), transfer.ClientConfig{
		Nickname:  a.dir.Nickname(),
		Algorithm: a.cat.Algorithm(),
		Logger:    a.logger,
		Debug:     a.cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errPeer, err)
	}
	defer c.Close()

	res, err := c.DownloadFile(ctx, transfer.Download{Hash: id, Expect: expect, Dest: dest})
	if err != nil {
		return fmt.Errorf("%w: %w", errPeer, err)
	}
	a.ui.Printf("downloaded %s from %s (%s) to %s\n", res.Filename, a.nick(nick), uiutil.HumanSize(res.Size), res.Path)
	return nil
}

// expand turns a partial identifier into the full digest the downloaded
// bytes must match, using the directory's file list. When the list has no
// single match the identifier is returned as is.
func (a *App) expand(ctx context.Context, id string) (string, error) {
	files, err := a.dir.FileList(ctx)
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(id)
	var match string
	for _, f := range files {
		h := strings.ToLower(f.Hash)
		if h == lower {
			return f.Hash, nil
		}
		if strings.Contains(h, lower) {
			if match != "" {
				return id, nil
			}
			match = f.Hash
		}
	}
	if match == "" {
		return id, nil
	}
	return match, nil
}

func (a *App) me() {
	a.ui.Println()
	a.ui.Println("== You ==")
	nick := a.dir.Nickname()
	if nick == "" {
		nick = "-"
	}
	a.ui.Printf("  Nick:       %s\n", a.nick(nick))
	a.ui.Printf("  State:      %s\n", a.dir.State())
	a.ui.Printf("  Directory:  %s\n", a.dir.DirectoryAddr())
	a.ui.Printf("  Sharing:    %s (%d files)\n", a.cat.Dir(), a.cat.Len())
	if srv := a.server(); srv != nil {
		a.ui.Printf("  Serving on: %s\n", net.JoinHostPort("", strconv.Itoa(srv.Port())))
	}
	a.ui.Println()
}
