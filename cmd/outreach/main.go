package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"outreach/internal/app"
	"outreach/internal/conversation"
)

func main() {
	var (
		cfgPath string
		targets string
		topic   string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&targets, "target", "", "comma separated usernames (default: config targets)")
	flag.StringVar(&topic, "topic", "", "topic mentioned in the messages (default: config topic)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	cfg := a.Config()
	list := splitTargets(targets)
	if len(list) == 0 {
		list = cfg.Targets
	}
	if strings.TrimSpace(topic) == "" {
		topic = cfg.Topic
	}
	if len(list) == 0 {
		_ = a.Stop(context.Background(), app.StopFatalError)
		fmt.Fprintln(os.Stderr, "fatal: no targets (use -target or config targets)")
		os.Exit(2)
	}

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	results := a.Run(ctx, list, topic)

	reason := app.StopFinished
	if ctx.Err() != nil {
		reason = app.StopSignal
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	code := 0
	for _, r := range results {
		status := r.Result.State.String()
		if r.Err != nil {
			status += ": " + r.Err.Error()
			if !errors.Is(r.Err, conversation.ErrNoReply) {
				code = 1
			}
		}
		fmt.Printf("%s\t%s\n", r.Target, status)
	}
	os.Exit(code)
}

func splitTargets(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
