//go:build linux

// fpga_arbiter is the per-host access arbiter daemon. Client tools ask it to
// open, close, and reset VFIO devices so that concurrent short-lived
// processes never race each other on the kernel's group-open path.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/Chester-Gillon/fpga-sio-sub006/arbiter"
	"github.com/go-ini/ini"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {

	var (
		socket  = flag.String("socket", arbiter.DefaultSocket, "listen on this unix socket")
		cfgPath = flag.String("config", "", "read settings from an INI file (flags win)")
		once    = flag.Bool("once", false, "serve a single request and exit")
	)

	flag.Parse()

	cfg := arbiter.Config{Socket: *socket}
	level := slog.LevelInfo

	if *cfgPath != "" {
		f, err := ini.Load(*cfgPath)
		if err != nil {
			slog.Error("load config", "path", *cfgPath, "err", err)
			os.Exit(1)
		}

		sec := f.Section("arbiter")

		if s := sec.Key("socket").String(); s != "" && *socket == arbiter.DefaultSocket {
			cfg.Socket = s
		}

		cfg.BusyRetries = sec.Key("busy_retries").MustInt(0)
		cfg.BusyBackoff = sec.Key("busy_backoff").MustDuration(0)

		if f.Section("log").Key("level").String() == "debug" {
			level = slog.LevelDebug
		}
	}

	cfg.Log = newLogger(level)
	slog.SetDefault(cfg.Log)

	srv, err := arbiter.New(cfg)
	if err != nil {
		cfg.Log.Error("start", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	cfg.Log.Info("serving", "socket", cfg.Socket, "once", *once)

	if err := srv.Serve(ctx, *once); err != nil {
		cfg.Log.Error("serve", "err", err)
		os.Exit(1)
	}
}

// newLogger writes human-readable records to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
