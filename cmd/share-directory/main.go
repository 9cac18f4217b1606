package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"p2p-files/internal/directory"
)

func main() {
	def := directory.DefaultConfig()
	addr := flag.String("addr", def.Addr, "UDP bind address")
	loss := flag.Float64("loss", 0, "probability of dropping each inbound datagram (0..1)")
	debug := flag.Bool("debug", false, "log every request and reply")
	flag.Parse()

	if *loss < 0 || *loss > 1 {
		log.Fatalf("-loss must be between 0 and 1, got %v", *loss)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg := def
	cfg.Addr = *addr
	cfg.Logger = logger
	cfg.Debug = *debug
	if *loss > 0 {
		cfg.Loss = directory.NewRandomLoss(*loss)
	}

	srv, err := directory.NewServer(cfg)
	if err != nil {
		log.Fatalf("start directory: %v", err)
	}
	defer srv.Close()
	logger.Printf("directory listening on %s (loss %.2f)", srv.Addr(), *loss)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("directory: %v", err)
	}
	logger.Printf("directory stopped")
}
