package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"gotorrent/common"
	"gotorrent/config"
	"gotorrent/storage"
	"gotorrent/torrent"
	"gotorrent/torrentfile"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	out := flag.String("out", "", "download directory (overrides download_path)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.torrent\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *configPath, *out, *verbose); err != nil {
		logrus.WithError(err).Fatal("Download failed")
	}
}

func run(torrentPath, configPath, out string, verbose bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if out != "" {
		cfg.DownloadPath = out
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if err := common.Init(cfg.PeerIDPrefix, cfg.Port); err != nil {
		return err
	}

	tf, err := torrentfile.Open(torrentPath)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"name":     tf.Name,
		"size":     humanize.Bytes(uint64(tf.Length)),
		"pieces":   tf.NumPieces(),
		"infohash": tf.InfoHashHex(),
	}).Info("Loaded torrent")

	store, err := storage.New(cfg.DownloadPath, tf)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := torrent.New(tf, torrent.Config{
		PeerID:             common.AppState.PeerID,
		Port:               common.AppState.Port,
		DialTimeout:        cfg.DialTimeout.Duration,
		IdleTimeout:        cfg.PeerIdleTimeout.Duration,
		TrackerBaseTimeout: cfg.TrackerBaseTimeout.Duration,
		TrackerMaxRetries:  cfg.TrackerMaxRetries,
		MaxPeers:           cfg.MaxPeers,
		DialRate:           cfg.DialRate,
	}, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := t.Download(ctx); err != nil {
		return err
	}
	return store.Close()
}
