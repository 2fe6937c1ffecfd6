// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Command nixrs is a client for the Nix daemon protocol.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"

	"go.nixrs.dev/nixrs/daemon"
)

// isTerminal reports whether stderr, where progress logs are written,
// is attached to an interactive terminal. When it isn't (e.g. output is
// piped or redirected to a file), intermediate build/substitution log
// messages are suppressed the same way nix's own client quiets its
// progress reporting for non-interactive output.
var isTerminal = term.IsTerminal(int(os.Stderr.Fd()))

type globalConfig struct {
	socket string
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "nixrs",
		Short:         "talk to a Nix daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := &globalConfig{
		socket: defaultSocketPath(),
	}
	rootCommand.PersistentFlags().StringVar(&g.socket, "socket", g.socket, "daemon Unix socket `path`")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newIsValidPathCommand(g),
		newQueryPathInfoCommand(g),
		newCatNARCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	if sock := os.Getenv("NIX_DAEMON_SOCKET_PATH"); sock != "" {
		return sock
	}
	return filepath.Join(cacheDir(), "nixrsd", "daemon.sock")
}

// dial connects to the daemon at g.socket and performs the client
// handshake.
func dial(ctx context.Context, g *globalConfig) (*daemon.Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", g.socket)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", g.socket, err)
	}
	cl, err := daemon.Dial(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", g.socket, err)
	}
	return cl, nil
}

// logSink forwards each non-empty log message it receives to the logger:
// at info level when stderr is a terminal, and at debug level otherwise.
func logSink(ctx context.Context) daemon.LogSinkFunc {
	return func(msg daemon.LogMessage) {
		if msg.Text == "" {
			return
		}
		if !isTerminal {
			log.Debugf(ctx, "%s", msg.Text)
			return
		}
		log.Infof(ctx, "%s", msg.Text)
	}
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
			Output: log.New(os.Stderr, "nixrs: ", log.StdFlags, nil),
		})
	})
}
