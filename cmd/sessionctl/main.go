package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Values from '.env' never override the environment
	_ = godotenv.Load()

	if err := NewRootCommand(os.Getenv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
