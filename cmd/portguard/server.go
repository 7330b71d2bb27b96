package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtaci/smux"

	"portguard/internal/dispatcher"
	"portguard/internal/logging"
	"portguard/internal/pgcrypto"
	"portguard/internal/registry"
	"portguard/internal/session"
	"portguard/internal/tunnel"
)

// cmdServer implements `portguard server -c <cfg>` (§6, §4.7): load the
// registry, bind the configured listen endpoint, and accept connections
// until signaled to stop.
func cmdServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfgPath := fs.String("c", "", "path to server config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" {
		return fmt.Errorf("missing required -c <cfg>")
	}

	log := logging.New(os.Getenv("PG_LOG"))

	reg, err := registry.Load(*cfgPath)
	if err != nil {
		return err
	}
	cfg := reg.Config()
	if cfg.Pubkey == (registry.Key32{}) {
		return fmt.Errorf("server identity missing; run gen-key first")
	}

	d := &dispatcher.Dispatcher{
		Registry:         reg,
		Sessions:         session.NewTable(),
		Identity:         pgcrypto.Keypair{Public: [32]byte(cfg.Pubkey), Private: [32]byte(cfg.Prikey)},
		HandshakeTimeout: tunnel.DefaultHandshakeTimeout,
		MuxConfig:        smux.DefaultConfig(),
		SocksPassword:    os.Getenv("PG_PASSWORD"),
		Log:              log,
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr()).Info("server: listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("server: accept failed")
			continue
		}
		go d.HandleConnection(ctx, conn)
	}
}
