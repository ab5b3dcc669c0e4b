package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"igpilot/internal/app"
	"igpilot/internal/config"
	"igpilot/internal/vault"
	"igpilot/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		check   bool
		genKey  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.BoolVar(&genKey, "genkey", false, "print a new vault key and exit")
	flag.Parse()

	switch {
	case genKey:
		k, err := vault.GenerateKey()
		if err != nil {
			fatal("genkey", err)
		}
		fmt.Println(k)
		return
	case check:
		if _, err := config.NewManager(cfgPath).Load(context.Background()); err != nil {
			fatal("config", err)
		}
		fmt.Println("config ok")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fatal("init", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		fatal("start", err)
	}
	_, _ = systemd.Ready()
	go func() { _ = systemd.Watchdog(ctx, func() bool { return a.Err() == nil }) }()

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	os.Exit(1)
}
