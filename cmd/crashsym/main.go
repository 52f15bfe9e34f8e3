package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crashsym/crashsym/pkg/crashsym"
)

func main() {
	var config crashsym.Config
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	app, err := crashsym.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating crashsym: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed running crashsym: %v\n", err)
		os.Exit(1)
	}
}
