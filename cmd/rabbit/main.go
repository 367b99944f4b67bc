// Command rabbit is a leech-only BitTorrent client: given a .torrent
// file it contacts trackers, downloads and verifies every piece, and
// writes the reconstructed content to a download directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/engine"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/metainfo"
	"github.com/prxssh/rabbit/internal/progress"
	"github.com/prxssh/rabbit/internal/torrent"
)

const defaultDownloadDir = "downloads"

func main() {
	setupLogger()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("rabbit: " + err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rabbit <torrent_path> [<download_directory>]")
	}
	torrentPath := args[0]

	downloadDir := defaultDownloadDir
	if len(args) >= 2 {
		downloadDir = args[1]
	}

	if err := config.Init(); err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	desc, err := torrent.NewDescriptor(mi)
	if err != nil {
		return fmt.Errorf("build torrent descriptor: %w", err)
	}

	eng, err := engine.New(desc, downloadDir, config.Load(), slog.Default())
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporter := progress.New(eng, os.Stdout, config.Load().ProgressInterval)
	stopReporter := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		reporter.Run(stopReporter)
		close(reporterDone)
	}()

	runErr := eng.Run(ctx)
	close(stopReporter)
	<-reporterDone

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("download failed: %w", runErr)
	}
	if ctx.Err() != nil {
		slog.Info("download interrupted")
		return nil
	}

	if !eng.VerifyIntegrity() {
		return fmt.Errorf("post-download integrity check failed")
	}

	abs, err := filepath.Abs(downloadDir)
	if err != nil {
		abs = downloadDir
	}
	fmt.Printf("download complete: %s\n", abs)
	return nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
