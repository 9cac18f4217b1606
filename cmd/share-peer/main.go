package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2p-files/internal/digest"
	"p2p-files/internal/paths"
	"p2p-files/internal/peer"
)

func main() {
	def := peer.DefaultConfig()
	directory := flag.String("directory", def.Directory, "directory host[:port]")
	share := flag.String("share", def.ShareDir, "folder to share")
	downloads := flag.String("downloads", def.DownloadDir, "folder downloads are written to")
	algo := flag.String("digest", string(def.Digest), "content digest: sha1 or blake2b")
	dataDir := flag.String("data", paths.DefaultDataDir(), "data directory for the digest cache (env "+paths.EnvDataDir+")")
	bind := flag.String("bind", def.Bind, "transfer server bind address")
	noColor := flag.Bool("no-color", false, "disable colored nicknames")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	a, err := digest.Parse(*algo)
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg := def
	cfg.Directory = *directory
	cfg.ShareDir = *share
	cfg.DownloadDir = *downloads
	cfg.DataDir = *dataDir
	cfg.Digest = a
	cfg.Bind = *bind
	cfg.Color = !*noColor
	cfg.Debug = *debug

	app, err := peer.New(cfg, peer.NewStdPrinter(os.Stdout), logger)
	if err != nil {
		log.Fatalf("start peer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := app.Run(ctx, os.Stdin)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	app.Shutdown(shutdownCtx)
	cancel()

	if runErr != nil {
		log.Fatalf("%v", runErr)
	}
}
