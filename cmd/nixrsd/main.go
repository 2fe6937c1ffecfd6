// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Command nixrsd serves the Nix daemon protocol over a Unix socket (or
// a systemd-activated socket), backed by a SQLite-persisted store.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "nixrsd",
		Short:         "serve the Nix daemon protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "additional config `file` to merge (can be repeated)")
	rootCommand.PersistentFlags().StringVar(&g.StoreDir, "store", g.StoreDir, "Nix store `directory`")
	rootCommand.PersistentFlags().StringVar(&g.Socket, "listen", g.Socket, "Unix socket `path` to listen on")
	rootCommand.PersistentFlags().StringVar(&g.DatabasePath, "database", g.DatabasePath, "path to the SQLite metadata `database`")
	rootCommand.PersistentFlags().StringVar(&g.ObjectsDir, "objects", g.ObjectsDir, "directory to store NAR object `contents` in")
	rootCommand.PersistentFlags().BoolVar(&g.TrustClients, "trust-clients", g.TrustClients, "treat connecting clients as trusted")
	rootCommand.PersistentFlags().StringVar(&g.HTTPListen, "http-listen", g.HTTPListen, "serve an HTTP binary cache on this `address` in addition to the daemon socket")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		fromFlags := *g
		if err := g.mergeFiles(slices.Values(defaultConfigFiles())); err != nil {
			return err
		}
		if err := g.mergeFiles(slices.Values(configPaths)); err != nil {
			return err
		}
		g.mergeEnvironment()
		// Flags set on the command line win over files and the environment.
		restore := map[string]func(){
			"store":         func() { g.StoreDir = fromFlags.StoreDir },
			"listen":        func() { g.Socket = fromFlags.Socket },
			"database":      func() { g.DatabasePath = fromFlags.DatabasePath },
			"objects":       func() { g.ObjectsDir = fromFlags.ObjectsDir },
			"trust-clients": func() { g.TrustClients = fromFlags.TrustClients },
			"http-listen":   func() { g.HTTPListen = fromFlags.HTTPListen },
		}
		for name, f := range restore {
			if cmd.Flags().Changed(name) {
				f()
			}
		}
		return g.validate()
	}

	rootCommand.AddCommand(newServeCommand(g))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// defaultConfigFiles returns the config files nixrsd merges before any
// explicit --config flags, in increasing priority order.
func defaultConfigFiles() []string {
	var paths []string
	paths = append(paths, filepath.Join("/etc", "nixrsd", "config.json"))
	if configDir := xdgdir.Config.Path(); configDir != "" {
		paths = append(paths, filepath.Join(configDir, "nixrsd", "config.json"))
	}
	return paths
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "nixrsd: ", log.StdFlags, nil),
		})
	})
}
