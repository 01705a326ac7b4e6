package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"P2PLend-Chain/internal/cli"
)

// main 是 p2plend 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
