// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package store defines the abstract surface a daemon dispatches
// operations against, independent of how paths and derivations are
// actually realized or persisted.
package store

import (
	"context"
	"io"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/derivation"
	"go.nixrs.dev/nixrs/storepath"
)

// DaemonStore is the abstract surface a connection dispatches operations
// against. Every method returns a [daemon.ResultLog], so a store
// implementation can interleave progress logs with its eventual result
// the same way the wire protocol does.
//
// Implementations: [Mock] (scripted, for tests) and
// go.nixrs.dev/nixrs/store/sqlitestore.Store (persisted).
type DaemonStore interface {
	IsValidPath(ctx context.Context, path storepath.Path) *daemon.ResultLog[bool]
	QueryValidPaths(ctx context.Context, paths []storepath.Path, substitute bool) *daemon.ResultLog[[]storepath.Path]
	QueryAllValidPaths(ctx context.Context) *daemon.ResultLog[[]storepath.Path]
	QueryPathInfo(ctx context.Context, path storepath.Path) *daemon.ResultLog[*daemon.ValidPathInfo]
	QueryPathFromHashPart(ctx context.Context, hashPart string) *daemon.ResultLog[storepath.Path]
	QueryReferrers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path]
	QueryValidDerivers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path]
	QuerySubstitutablePaths(ctx context.Context, paths []storepath.Path) *daemon.ResultLog[[]storepath.Path]
	QueryDerivationOutputMap(ctx context.Context, drvPath storepath.Path) *daemon.ResultLog[map[string]storepath.Path]
	QueryMissing(ctx context.Context, paths []derivation.DerivedPath) *daemon.ResultLog[daemon.MissingInfo]
	QueryRealisation(ctx context.Context, outputID string) *daemon.ResultLog[*daemon.Realisation]

	SetOptions(ctx context.Context, s daemon.ClientSettings) *daemon.ResultLog[struct{}]
	AddTempRoot(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}]
	AddIndirectRoot(ctx context.Context, linkPath string) *daemon.ResultLog[struct{}]
	AddPermRoot(ctx context.Context, path storepath.Path, gcRoot string) *daemon.ResultLog[struct{}]
	FindRoots(ctx context.Context) *daemon.ResultLog[map[string]storepath.Path]
	CollectGarbage(ctx context.Context, opts daemon.GCOptions) *daemon.ResultLog[daemon.GCResult]
	OptimiseStore(ctx context.Context) *daemon.ResultLog[struct{}]
	VerifyStore(ctx context.Context, checkContents, repair bool) *daemon.ResultLog[bool]
	EnsurePath(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}]
	AddSignatures(ctx context.Context, path storepath.Path, sigs []string) *daemon.ResultLog[struct{}]

	BuildPaths(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[struct{}]
	BuildPathsWithResults(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[[]daemon.BuildResult]
	BuildDerivation(ctx context.Context, drvPath storepath.Path, drv derivation.BasicDerivation, mode daemon.BuildMode) *daemon.ResultLog[daemon.BuildResult]
	RegisterDrvOutput(ctx context.Context, r daemon.Realisation) *daemon.ResultLog[struct{}]

	NarFromPath(ctx context.Context, path storepath.Path, w io.Writer) *daemon.ResultLog[struct{}]
	AddToStoreNar(ctx context.Context, info daemon.ValidPathInfo, src io.Reader, repair bool) *daemon.ResultLog[struct{}]
	AddMultipleToStore(ctx context.Context, items []daemon.AddToStoreItem, repair bool) *daemon.ResultLog[struct{}]
	AddBuildLog(ctx context.Context, drvPath storepath.Path, logText io.Reader) *daemon.ResultLog[struct{}]
}

// HandshakeDaemonStore performs the server side of the daemon handshake
// over rw and, on success, returns conn alongside the store connections
// dispatched against it should use.
func HandshakeDaemonStore(rw io.ReadWriter, trustLevel daemon.TrustLevel, nixVersion string, s DaemonStore) (*daemon.Conn, DaemonStore, error) {
	conn, err := daemon.ServerHandshake(rw, trustLevel, nixVersion)
	if err != nil {
		return nil, nil, err
	}
	return conn, s, nil
}

// run synchronously drives a ResultLog to completion, forwarding its log
// frames to sink and returning its terminal value.
func run[T any](ctx context.Context, sink func(daemon.LogMessage), rl *daemon.ResultLog[T]) (T, error) {
	for msg := range rl.Logs() {
		sink(msg)
	}
	return rl.Wait(ctx)
}

// ok returns a ResultLog that has already finished with val, nil: a
// convenience for store methods with nothing to report but their result.
func ok[T any](val T) *daemon.ResultLog[T] {
	rl := daemon.NewResultLog[T]()
	rl.Finish(val, nil)
	return rl
}

// fail returns a ResultLog that has already finished with the zero value
// and err.
func fail[T any](err error) *daemon.ResultLog[T] {
	var zero T
	rl := daemon.NewResultLog[T]()
	rl.Finish(zero, err)
	return rl
}
