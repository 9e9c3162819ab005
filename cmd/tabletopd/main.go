// Command tabletopd runs the tabletop session server: a WebSocket endpoint
// that upgrades connections into session-scoped broker/protocol pairs
// managed by internal/connmanager. Grounded on cmd/synnergy/main.go's
// single cobra root command with subcommands, and walletserver/main.go's
// config-load-then-listen bootstrap sequence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vttcore/internal/config"
	"vttcore/internal/connmanager"
)

// version is set at build time via -ldflags "-X main.version=...". Empty
// means a local/dev build.
var version = ""

func main() {
	root := &cobra.Command{Use: "tabletopd", Short: "Realtime tabletop session server"}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			if version == "" {
				fmt.Println("tabletopd (development build)")
				return
			}
			fmt.Println("tabletopd " + version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configDir, configName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configDir, configName)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", "config", "directory containing the config file")
	cmd.Flags().StringVar(&configName, "config-name", "default", "config file name (without extension)")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, configDir, configName string) error {
	cfg, err := config.Load(configDir, configName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyFlagOverrides(cfg, cmd.Flags())

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	manager := connmanager.New(connmanager.Options{
		DataDir:        cfg.Storage.DataDir,
		AssetWorkers:   cfg.Asset.Workers,
		DebounceMillis: cfg.Session.DebounceMillis,
		Log:            entry,
	})

	srv := NewServer(cfg, manager, entry)
	entry.WithField("addr", cfg.Server.ListenAddr).Info("tabletopd listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-sig:
		entry.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}
