package peer

import (
	"time"

	"p2p-files/internal/digest"
	"p2p-files/internal/dirclient"
)

type Config struct {
	Directory   string // directory host[:port]
	ShareDir    string // folder published to the directory
	DownloadDir string // where /download writes files
	DataDir     string // holds the digest cache; empty disables it
	Digest      digest.Algorithm
	Bind        string // transfer server bind address
	DirTimeout  time.Duration
	DirAttempts int
	Color       bool
	Debug       bool
}

func DefaultConfig() Config {
	return Config{
		Directory:   "localhost",
		ShareDir:    "shared",
		DownloadDir: "downloads",
		Digest:      digest.Default,
		Bind:        ":0",
		DirTimeout:  dirclient.DefaultTimeout,
		DirAttempts: dirclient.DefaultMaxAttempts,
		Color:       true,
	}
}
