// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"go.nixrs.dev/nixrs/cache"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/store"
	"go.nixrs.dev/nixrs/store/sqlitestore"
	"go.nixrs.dev/nixrs/storepath"
)

const nixrsVersion = "2.18.0" // reported to clients during the handshake

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "listen for daemon protocol connections",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig) error {
	dir, err := storepath.Clean(g.StoreDir)
	if err != nil {
		return fmt.Errorf("store directory: %w", err)
	}

	s, err := sqlitestore.Open(dir, g.DatabasePath, sqlitestore.Options{RealDir: g.ObjectsDir})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "close store: %v", err)
		}
	}()

	l, err := listen(g.Socket)
	if err != nil {
		return err
	}
	defer l.Close()
	log.Infof(ctx, "Listening on %s", describeListener(l, g.Socket))

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	grp, ctx := errgroup.WithContext(ctx)

	if g.HTTPListen != "" {
		httpSrv := &http.Server{
			Addr:    g.HTTPListen,
			Handler: cache.New(s, dir).Handler(),
		}
		grp.Go(func() error {
			log.Infof(ctx, "Serving HTTP binary cache on %s", g.HTTPListen)
			err := httpSrv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http cache: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		grp.Go(func() error {
			connID := uuid.NewString()
			closer := xcontext.CloseWhenDone(ctx, conn)
			defer closer.Close()
			defer conn.Close()
			trustLevel := daemon.TrustNotTrusted
			if peerTrust(conn, g.TrustClients) {
				trustLevel = daemon.TrustTrusted
			}
			log.Debugf(ctx, "[%s] connection accepted (trusted=%v)", connID, trustLevel == daemon.TrustTrusted)
			if err := serveConn(ctx, conn, trustLevel, s); err != nil {
				log.Warnf(ctx, "[%s] connection: %v", connID, err)
			}
			return nil
		})
	}
	return grp.Wait()
}

func serveConn(ctx context.Context, conn net.Conn, trustLevel daemon.TrustLevel, s store.DaemonStore) error {
	daemonConn, dstore, err := store.HandshakeDaemonStore(conn, trustLevel, nixrsVersion, s)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return store.Serve(ctx, daemonConn, dstore)
}

// listen returns the socket listener nixrsd serves on: a systemd
// socket-activated listener if one was passed down, otherwise a fresh
// Unix socket at socketPath.
func listen(socketPath string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("systemd socket activation: %w", err)
	}
	if len(listeners) > 0 {
		if len(listeners) > 1 {
			for _, extra := range listeners[1:] {
				extra.Close()
			}
		}
		return listeners[0], nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", socketPath)
}

func describeListener(l net.Listener, socketPath string) string {
	if addr := l.Addr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return socketPath
}
