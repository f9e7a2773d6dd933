package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ppphp/emergo/pkg/emerge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := emerge.EmergeMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if ctx.Err() != nil && code == 0 {
		code = 128 + 2
	}
	stop()
	os.Exit(code)
}
