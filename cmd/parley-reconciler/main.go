// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/config"
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/lib/service"
	"github.com/parleychat/parley/messaging"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "parley-reconciler:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the config file (overrides PARLEY_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("parley-reconciler", version)
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level, err := cfg.ParseLogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := cfg.ReadAppserviceToken()
	if err != nil {
		return err
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	ownUserID, err := ref.ParseUserID("@" + cfg.SenderLocalpart + ":" + cfg.ServerName)
	if err != nil {
		return fmt.Errorf("constructing appservice user ID: %w", err)
	}
	session, err := messaging.NewAppserviceSession(client, ownUserID, token)
	if err != nil {
		return err
	}

	// Validate the token before doing anything with it. A mismatched
	// identity means the registration and config disagree; acting on
	// the wrong account would be worse than failing to start.
	actualUserID, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("validating appservice token: %w", err)
	}
	if actualUserID != ownUserID {
		return fmt.Errorf("appservice token belongs to %s, config expects %s", actualUserID, ownUserID)
	}

	// An instance only actuates when its worker name matches the
	// configured reconcile worker (or no worker is configured). This
	// is what keeps horizontally scaled deployments from issuing
	// duplicate promotions and invites.
	active := cfg.Reconcile.Worker == "" || cfg.Reconcile.Worker == cfg.WorkerName
	if !active {
		logger.Info("worker name mismatch, starting in observe-only mode",
			"worker_name", cfg.WorkerName,
			"reconcile_worker", cfg.Reconcile.Worker,
		)
	}

	reconciler := newReconciler(session, clock.Real(), cfg, active, logger)

	sinceToken, response, err := service.InitialSync(ctx, session, syncFilter)
	if err != nil {
		return err
	}
	logger.Info("initial sync complete",
		"joined_rooms", len(response.Rooms.Join),
		"pending_invites", len(response.Rooms.Invite),
	)
	service.AcceptInvites(ctx, session, response.Rooms.Invite, logger)

	socketDone := make(chan error, 1)
	if cfg.SocketPath != "" {
		socketServer := service.NewSocketServer(cfg.SocketPath, logger)
		reconciler.registerActions(socketServer)
		go func() {
			socketDone <- socketServer.Serve(ctx)
		}()
	} else {
		socketDone <- nil
	}

	go service.RunSyncLoop(ctx, session, service.SyncConfig{
		Filter: syncFilter,
	}, sinceToken, reconciler.handleSync, reconciler.clock, logger)

	logger.Info("reconciler running",
		"user_id", ownUserID,
		"server_name", cfg.ServerName,
		"active", active,
		"socket", cfg.SocketPath,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}
