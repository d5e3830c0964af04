// Command rabbitd downloads a single torrent from the command line.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/torrent"
)

var cli struct {
	Torrent  string `arg:"" help:"Path to a .torrent file, or a magnet: URI."`
	Download string `short:"d" help:"Directory to save downloaded files into. Defaults to the client's configured download directory."`
	Verbose  bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("rabbitd"),
		kong.Description("A BitTorrent client core."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = level
	logger := slog.New(logging.NewPrettyHandler(os.Stderr, &opts))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		logger.Error("rabbitd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	client, err := torrent.NewClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	cfg := client.GetDefaultConfig()
	if cli.Download != "" && cfg.Storage != nil {
		cfg.Storage.DownloadDir = cli.Download
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.ListenAndServe(ctx); err != nil {
			slog.Warn("inbound peer listener stopped", "error", err)
		}
	}()

	var t *torrent.Torrent
	if strings.HasPrefix(cli.Torrent, "magnet:") {
		t, err = client.AddMagnet(ctx, cli.Torrent, cfg)
		if err != nil {
			return fmt.Errorf("add magnet: %w", err)
		}
	} else {
		data, err := os.ReadFile(cli.Torrent)
		if err != nil {
			return fmt.Errorf("read torrent file: %w", err)
		}
		t, err = client.AddTorrent(ctx, data, cfg)
		if err != nil {
			return fmt.Errorf("add torrent: %w", err)
		}
	}
	infoHashHex := hex.EncodeToString(t.Metainfo.InfoHash[:])

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	slog.Info("downloading", "name", t.Metainfo.Info.Name, "info_hash", infoHashHex)

	for {
		select {
		case <-ctx.Done():
			if err := client.RemoveTorrent(infoHashHex); err != nil {
				return err
			}
			return nil

		case <-ticker.C:
			stats := client.GetTorrentStats(infoHashHex)
			if stats == nil {
				continue
			}
			slog.Info("progress",
				"percent", fmt.Sprintf("%.2f%%", stats.Progress),
				"peers", len(stats.Peers),
			)
			if stats.Progress >= 100.0 {
				slog.Info("download complete")
				return nil
			}
		}
	}
}
