package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"p2p-files/internal/catalog"
	"p2p-files/internal/dirclient"
	"p2p-files/internal/paths"
	"p2p-files/internal/proto"
	"p2p-files/internal/storage/digestbolt"
	"p2p-files/internal/telemetry"
	"p2p-files/internal/transfer"
)

// ErrQuit is returned by a command that ends the shell.
var ErrQuit = errors.New("quit")

// App is an interactive peer: a directory session, the local catalog and an
// optional transfer server.
type App struct {
	cfg    Config
	ui     Printer
	logger telemetry.Logger

	dir   *dirclient.Client
	cat   *catalog.Catalog
	cache *digestbolt.Store // nil without a data dir

	mu  sync.Mutex
	srv *transfer.Server
}

func New(cfg Config, ui Printer, logger telemetry.Logger) (*App, error) {
	logger = telemetry.OrDefault(logger)
	if ui == nil {
		ui = NewStdPrinter(os.Stdout)
	}

	a := &App{cfg: cfg, ui: ui, logger: logger}

	var cache catalog.Cache
	if cfg.DataDir != "" {
		dataDir, err := paths.EnsureDir(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		store, err := digestbolt.Open(paths.DigestCache(dataDir))
		if err != nil {
			return nil, fmt.Errorf("open digest cache: %w", err)
		}
		a.cache, cache = store, store
	}

	cat, err := catalog.Scan(cfg.ShareDir, catalog.Options{Algorithm: cfg.Digest, Cache: cache, Logger: logger})
	if err != nil {
		a.closeCache()
		return nil, err
	}
	a.cat = cat

	dcfg := dirclient.DefaultConfig(cfg.Directory)
	dcfg.Timeout = cfg.DirTimeout
	dcfg.MaxAttempts = cfg.DirAttempts
	dcfg.Logger = logger
	dcfg.Debug = cfg.Debug
	dir, err := dirclient.Dial(dcfg)
	if err != nil {
		a.closeCache()
		return nil, err
	}
	a.dir = dir
	return a, nil
}

// Run reads commands from in until /quit, EOF or ctx is done. It returns a
// non-nil error only when the directory became unusable (no reply after all
// retries, or a reply that could not be parsed).
func (a *App) Run(ctx context.Context, in io.Reader) error {
	PrintBanner(a.ui, a)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := a.handleCommand(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// Shutdown stops serving, logs out and releases resources. Directory errors
// are logged, not returned.
func (a *App) Shutdown(ctx context.Context) {
	a.stopServer()
	if a.dir.State() != dirclient.StateLoggedOut {
		if err := a.dir.Logout(ctx); err != nil {
			a.logger.Printf("[peer] logout: %v", err)
		}
	}
	_ = a.dir.Close()
	a.closeCache()
}

func (a *App) closeCache() {
	if a.cache != nil {
		_ = a.cache.Close()
		a.cache = nil
	}
}

func (a *App) server() *transfer.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.srv
}

func (a *App) startServer() (*transfer.Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		return a.srv, nil
	}
	scfg := transfer.DefaultServerConfig(a.cat)
	scfg.Bind = a.cfg.Bind
	scfg.Logger = a.logger
	scfg.Debug = a.cfg.Debug
	srv, err := transfer.NewServer(scfg)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	a.srv = srv
	return srv, nil
}

func (a *App) stopServer() {
	a.mu.Lock()
	srv := a.srv
	a.srv = nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Stop(); err != nil {
		a.logger.Printf("[peer] stop transfer server: %v", err)
	}
}

// fatal reports whether a directory error leaves the session unusable.
func fatal(err error) bool {
	return errors.Is(err, proto.ErrTransport) || errors.Is(err, proto.ErrProtocol)
}

func (a *App) logf(format string, args ...any) {
	if !a.cfg.Debug {
		return
	}
	a.logger.Printf("[peer] "+format, args...)
}
