package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"portguard/internal/clientrt"
	"portguard/internal/logging"
)

// cmdClient implements `portguard client [-p <port>] [-s <host:port>]`
// (§4.8, §6): bootstrap from the embedded config and run until signaled.
func cmdClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	port := fs.Uint("p", 0, "override local listener port for this invocation")
	server := fs.String("s", "", "override server host:port for this invocation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logging.New(os.Getenv("PG_LOG"))

	cfg, err := clientrt.Bootstrap()
	if err != nil {
		return err
	}

	rt, err := clientrt.New(cfg, uint16(*port), *server, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	return rt.Run(ctx)
}
