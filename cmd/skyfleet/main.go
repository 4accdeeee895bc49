package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"skyfleet/internal/cli"
)

func main() {
	_ = godotenv.Load()

	addr := os.Getenv("SKYFLEET_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8000"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := cli.NewRunner(addr, os.Stdout, os.Stderr)
	os.Exit(r.Run(ctx, os.Args[1:]))
}
