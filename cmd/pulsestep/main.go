package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulsestep/internal/config"
	"pulsestep/internal/web"
)

func main() {
	var configPath string
	var summarizePath string
	flag.StringVar(&configPath, "config", "./pulsestep.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a recorded sample log and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printLogSummary(os.Stdout, summarizePath); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newLiveRuntime(cfg, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	log.Printf("pulsestep starting session=%s mode=%s web=%s", rt.engine.SessionID(), rt.mode, cfg.Web.Listen)
	err = rt.Run(ctx)
	rt.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pulsestep stopped: %v", err)
	}
	log.Printf("pulsestep stopping")
}
