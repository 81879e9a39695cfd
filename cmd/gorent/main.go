// Command gorent is a thin CLI wrapper around the gorent library: it
// reads a .torrent file (by path argument or piped on stdin) and
// downloads it to the current directory. Kept minimal — it exists only
// to exercise the library end to end, not as a feature surface of its
// own.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/config"
	"github.com/gorent/gorent/torrent"
)

func main() {
	out := flag.String("out", ".", "directory to write downloaded files into")
	verbose := flag.Bool("v", false, "enable verbose logging")
	port := flag.Uint("port", 6881, "listening port advertised to the tracker")
	flag.Parse()
	args := flag.Args()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	var inputStream io.Reader
	if len(args) > 0 {
		file, err := os.Open(args[0])
		if err != nil {
			logger.WithError(err).Fatal("could not open file, check if it is a torrent")
		}
		defer file.Close()
		inputStream = file
	} else {
		stat, err := os.Stdin.Stat()
		if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
			logger.Fatal("no file argument given and nothing piped on stdin")
		}
		inputStream = os.Stdin
	}

	raw, err := io.ReadAll(inputStream)
	if err != nil {
		logger.WithError(err).Fatal("reading torrent file")
	}

	cfg := config.New(
		config.WithListeningPort(uint16(*port)),
		config.WithLogger(logger),
	)

	t, err := torrent.Open(raw, cfg)
	if err != nil {
		logger.WithError(err).Fatal("opening torrent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := t.Download(ctx, *out); err != nil {
		logger.WithError(err).Fatal("download failed")
	}

	logger.WithField("name", t.Info.Name).Info("download complete")
}
