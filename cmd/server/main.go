package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"kvrepl/internal/config"
	"kvrepl/internal/dispatcher"
	"kvrepl/internal/keyspace"
	"kvrepl/internal/logging"
	"kvrepl/internal/replicaclient"
	"kvrepl/internal/replstate"
	"kvrepl/internal/snapshot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	log := logging.New()

	entries, err := snapshot.Load(cfg.Dir, cfg.DBFilename)
	if err != nil {
		return fmt.Errorf("loading bootstrap snapshot: %w", err)
	}

	ks := keyspace.New(keyspace.WithConfig(cfg.Dir, cfg.DBFilename))
	for _, e := range entries {
		ks.Seed(e.Key, e.Value, e.ExpiresAt, e.HasExpiry)
	}
	log.WithField("keys_loaded", len(entries)).Info("bootstrap snapshot applied")

	role := replstate.RoleMaster
	if cfg.IsReplica {
		role = replstate.RoleReplica
	}
	repl := replstate.New(role)

	srv := &dispatcher.Server{
		Addr:     fmt.Sprintf(":%d", cfg.Port),
		Keyspace: ks,
		Repl:     repl,
		Log:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.ListenAndServe(egCtx)
	})

	if cfg.IsReplica {
		client := &replicaclient.Client{
			PrimaryAddr: fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort),
			OwnPort:     cfg.Port,
			Keyspace:    ks,
			Repl:        repl,
			Log:         log,
		}
		eg.Go(func() error {
			return client.Run(egCtx)
		})
	}

	log.WithField("port", cfg.Port).Info("server listening")
	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
