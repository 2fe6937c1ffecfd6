// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/derivation"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// Serve runs the daemon side of one already-handshaken connection: it
// reads operation codes from conn.R in a loop, dispatches each to s,
// forwards the operation's log frames over conn.W, and writes its
// response or error frame. Serve returns once the client closes the
// connection or a transport/decode error makes the connection
// unrecoverable; a semantic error from s is reported to the client and
// does not end the loop.
func Serve(ctx context.Context, conn *daemon.Conn, s DaemonStore) error {
	for {
		opRaw, err := conn.R.Uint64()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("store: read operation: %w", err)
		}
		op := daemon.Operation(opRaw)
		if err := dispatch(ctx, conn, s, op); err != nil {
			return fmt.Errorf("store: %s: %w", op, err)
		}
	}
}

// sink accumulates forwarded log frames as wire writes, so a request
// handler can stream them without buffering them in memory first.
type sink struct {
	w       *wire.Writer
	version wire.ProtocolVersion
	err     error
}

func (lf *sink) forward(msg daemon.LogMessage) {
	if lf.err != nil {
		return
	}
	lf.err = daemon.WriteLogMessage(lf.w, msg)
}

// finish drives rl to completion, forwarding its logs through lf, then
// writes the terminal frame: WriteLast followed by writeResp on success,
// or an error frame (and no response) on failure.
func finish[T any](ctx context.Context, conn *daemon.Conn, rl *daemon.ResultLog[T], writeResp func(*wire.Writer, T) error) error {
	lf := &sink{w: conn.W, version: conn.Version}
	val, err := run(ctx, lf.forward, rl)
	if lf.err != nil {
		return fmt.Errorf("forward log frame: %w", lf.err)
	}
	if err != nil {
		if werr := daemon.WriteError(conn.W, conn.Version, err.Error()); werr != nil {
			return werr
		}
		return conn.W.Flush()
	}
	if err := daemon.WriteLast(conn.W); err != nil {
		return err
	}
	if writeResp != nil {
		if err := writeResp(conn.W, val); err != nil {
			return err
		}
	}
	return conn.W.Flush()
}

func dispatch(ctx context.Context, conn *daemon.Conn, s DaemonStore, op daemon.Operation) error {
	r, w := conn.R, conn.W
	switch op {
	case daemon.OpIsValidPath:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.IsValidPath(ctx, path), func(w *wire.Writer, v bool) error { return w.Bool(v) })

	case daemon.OpQueryValidPaths:
		paths, err := daemon.ReadStorePathList(r)
		if err != nil {
			return err
		}
		substitute, err := r.Bool()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryValidPaths(ctx, paths, substitute), writeStorePathListResp)

	case daemon.OpQueryAllValidPaths:
		return finish(ctx, conn, s.QueryAllValidPaths(ctx), writeStorePathListResp)

	case daemon.OpQueryPathInfo:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryPathInfo(ctx, path), func(w *wire.Writer, info *daemon.ValidPathInfo) error {
			if info == nil {
				return w.Bool(false)
			}
			if err := w.Bool(true); err != nil {
				return err
			}
			return daemon.WriteValidPathInfo(w, *info)
		})

	case daemon.OpQueryPathFromHashPart:
		hashPart, err := r.String()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryPathFromHashPart(ctx, hashPart), func(w *wire.Writer, p storepath.Path) error {
			return w.String(string(p))
		})

	case daemon.OpQueryReferrers:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryReferrers(ctx, path), writeStorePathListResp)

	case daemon.OpQueryValidDerivers:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryValidDerivers(ctx, path), writeStorePathListResp)

	case daemon.OpQuerySubstitutablePaths:
		paths, err := daemon.ReadStorePathList(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QuerySubstitutablePaths(ctx, paths), writeStorePathListResp)

	case daemon.OpQueryDerivationOutputMap:
		drvPath, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryDerivationOutputMap(ctx, drvPath), func(w *wire.Writer, m map[string]storepath.Path) error {
			if err := w.Uint64(uint64(len(m))); err != nil {
				return err
			}
			for name, p := range m {
				if err := w.String(name); err != nil {
					return err
				}
				if err := w.Bool(p != ""); err != nil {
					return err
				}
				if p != "" {
					if err := daemon.WriteStorePath(w, p); err != nil {
						return err
					}
				}
			}
			return nil
		})

	case daemon.OpQueryMissing:
		paths, err := readDerivedPathList(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryMissing(ctx, paths), func(w *wire.Writer, mi daemon.MissingInfo) error {
			if err := daemon.WriteStorePathList(w, mi.WillBuild); err != nil {
				return err
			}
			if err := daemon.WriteStorePathList(w, mi.WillSubstitute); err != nil {
				return err
			}
			if err := daemon.WriteStorePathList(w, mi.Unknown); err != nil {
				return err
			}
			if err := w.Uint64(mi.DownloadSize); err != nil {
				return err
			}
			return w.Uint64(mi.NARSize)
		})

	case daemon.OpQueryRealisation:
		outputID, err := r.String()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.QueryRealisation(ctx, outputID), func(w *wire.Writer, re *daemon.Realisation) error {
			if re == nil {
				return w.Uint64(0)
			}
			if err := w.Uint64(1); err != nil {
				return err
			}
			return daemon.WriteStorePath(w, re.OutPath)
		})

	case daemon.OpSetOptions:
		settings, err := readClientSettings(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.SetOptions(ctx, settings), nil)

	case daemon.OpAddTempRoot:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.AddTempRoot(ctx, path), nil)

	case daemon.OpAddIndirectRoot:
		linkPath, err := r.String()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.AddIndirectRoot(ctx, linkPath), nil)

	case daemon.OpAddPermRoot:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		gcRoot, err := r.String()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.AddPermRoot(ctx, path, gcRoot), nil)

	case daemon.OpFindRoots:
		return finish(ctx, conn, s.FindRoots(ctx), func(w *wire.Writer, roots map[string]storepath.Path) error {
			if err := w.Uint64(uint64(len(roots))); err != nil {
				return err
			}
			for link, target := range roots {
				if err := w.String(link); err != nil {
					return err
				}
				if err := daemon.WriteStorePath(w, target); err != nil {
					return err
				}
			}
			return nil
		})

	case daemon.OpCollectGarbage:
		opts, err := readGCOptions(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.CollectGarbage(ctx, opts), func(w *wire.Writer, res daemon.GCResult) error {
			if err := daemon.WriteStorePathList(w, res.Paths); err != nil {
				return err
			}
			return w.Uint64(res.BytesFreed)
		})

	case daemon.OpOptimiseStore:
		return finish(ctx, conn, s.OptimiseStore(ctx), nil)

	case daemon.OpVerifyStore:
		checkContents, err := r.Bool()
		if err != nil {
			return err
		}
		repair, err := r.Bool()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.VerifyStore(ctx, checkContents, repair), func(w *wire.Writer, errorsFound bool) error {
			return w.Bool(errorsFound)
		})

	case daemon.OpEnsurePath:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.EnsurePath(ctx, path), nil)

	case daemon.OpAddSignatures:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		sigs, err := r.StringList()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.AddSignatures(ctx, path, sigs), nil)

	case daemon.OpBuildPaths:
		paths, err := readDerivedPathList(r)
		if err != nil {
			return err
		}
		modeRaw, err := r.Uint64()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.BuildPaths(ctx, paths, daemon.BuildMode(modeRaw)), nil)

	case daemon.OpBuildPathsWithResults:
		paths, err := readDerivedPathList(r)
		if err != nil {
			return err
		}
		modeRaw, err := r.Uint64()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.BuildPathsWithResults(ctx, paths, daemon.BuildMode(modeRaw)), func(w *wire.Writer, results []daemon.BuildResult) error {
			if err := w.Uint64(uint64(len(results))); err != nil {
				return err
			}
			for _, br := range results {
				if err := daemon.WriteBuildResult(w, br); err != nil {
					return err
				}
			}
			return nil
		})

	case daemon.OpBuildDerivation:
		drvPath, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		drv, err := derivation.ReadBasic(r)
		if err != nil {
			return err
		}
		modeRaw, err := r.Uint64()
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.BuildDerivation(ctx, drvPath, drv, daemon.BuildMode(modeRaw)), func(w *wire.Writer, br daemon.BuildResult) error {
			return daemon.WriteBuildResult(w, br)
		})

	case daemon.OpRegisterDrvOutput:
		id, err := r.String()
		if err != nil {
			return err
		}
		outPath, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.RegisterDrvOutput(ctx, daemon.Realisation{ID: id, OutPath: outPath}), nil)

	case daemon.OpNarFromPath:
		path, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		// NarFromPath takes a plain io.Writer, so (unlike the wire-to-store
		// directions below) there is no Close to signal completion to a
		// pipe; the store is expected to finish writing before its
		// ResultLog completes, so a buffer is the simplest faithful
		// transport: the implementation reads/renders the NAR then calls
		// Finish, and only then do we know narBuf holds the whole stream.
		var narBuf bytes.Buffer
		rl := s.NarFromPath(ctx, path, &narBuf)
		return finish(ctx, conn, rl, func(w *wire.Writer, _ struct{}) error {
			if conn.Version.Minor() >= 23 {
				return daemon.WriteFramed(w, &narBuf, daemon.DefaultFrameSize)
			}
			_, err := io.Copy(w, &narBuf)
			return err
		})

	case daemon.OpAddToStoreNar:
		info, err := readValidPathInfoForAdd(r)
		if err != nil {
			return err
		}
		repair, err := r.Bool()
		if err != nil {
			return err
		}
		pr, pw := io.Pipe()
		go func() {
			var copyErr error
			if conn.Version.Minor() >= 21 {
				copyErr = daemon.CopyFramed(pw, r)
			} else {
				copyErr = daemon.CopyRawNar(pw, r)
			}
			pw.CloseWithError(copyErr)
		}()
		return finish(ctx, conn, s.AddToStoreNar(ctx, info, pr, repair), nil)

	case daemon.OpAddMultipleToStore:
		repair, err := r.Bool()
		if err != nil {
			return err
		}
		if _, err := r.Bool(); err != nil { // don't check signatures, ignored
			return err
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(daemon.CopyFramed(pw, r))
		}()
		items, err := readAddMultipleItems(pr)
		if err != nil {
			return err
		}
		return finish(ctx, conn, s.AddMultipleToStore(ctx, items, repair), nil)

	case daemon.OpAddBuildLog:
		drvPath, err := daemon.ReadStorePath(r)
		if err != nil {
			return err
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(daemon.CopyFramed(pw, r))
		}()
		return finish(ctx, conn, s.AddBuildLog(ctx, drvPath, pr), nil)

	default:
		if werr := daemon.WriteError(w, conn.Version, fmt.Sprintf("unsupported operation %s", op)); werr != nil {
			return werr
		}
		return w.Flush()
	}
}

func writeStorePathListResp(w *wire.Writer, paths []storepath.Path) error {
	return daemon.WriteStorePathList(w, paths)
}

func readDerivedPathList(r *wire.Reader) ([]derivation.DerivedPath, error) {
	ss, err := r.StringList()
	if err != nil {
		return nil, err
	}
	out := make([]derivation.DerivedPath, len(ss))
	for i, s := range ss {
		p, err := derivation.ParseDerivedPath(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func readClientSettings(r *wire.Reader) (daemon.ClientSettings, error) {
	var s daemon.ClientSettings
	var err error
	if s.KeepFailed, err = r.Bool(); err != nil {
		return s, err
	}
	if s.KeepGoing, err = r.Bool(); err != nil {
		return s, err
	}
	if s.TryFallback, err = r.Bool(); err != nil {
		return s, err
	}
	v, err := r.Uint64()
	if err != nil {
		return s, err
	}
	s.Verbosity = daemon.Verbosity(v)
	if s.MaxBuildJobs, err = r.Uint64(); err != nil {
		return s, err
	}
	if s.MaxSilentTime, err = r.Uint64(); err != nil {
		return s, err
	}
	if s.UseBuildHook, err = r.Bool(); err != nil {
		return s, err
	}
	bv, err := r.Uint64()
	if err != nil {
		return s, err
	}
	s.BuildVerbosity = daemon.Verbosity(bv)
	if _, err := r.Uint64(); err != nil { // logType, obsolete
		return s, err
	}
	if s.UseSubstitutes, err = r.Bool(); err != nil {
		return s, err
	}
	kv, err := r.StringList()
	if err != nil {
		return s, err
	}
	s.Overrides = make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		s.Overrides[kv[i]] = kv[i+1]
	}
	return s, nil
}

func readGCOptions(r *wire.Reader) (daemon.GCOptions, error) {
	var o daemon.GCOptions
	action, err := r.Uint64()
	if err != nil {
		return o, err
	}
	o.Action = daemon.GCAction(action)
	if o.PathsToDelete, err = daemon.ReadStorePathList(r); err != nil {
		return o, err
	}
	if o.IgnoreLiveness, err = r.Bool(); err != nil {
		return o, err
	}
	o.MaxFreed, err = r.Uint64()
	return o, err
}

func readValidPathInfoForAdd(r *wire.Reader) (daemon.ValidPathInfo, error) {
	path, err := daemon.ReadStorePath(r)
	if err != nil {
		return daemon.ValidPathInfo{}, err
	}
	return daemon.ReadValidPathInfo(r, path)
}

// readAddMultipleItems decodes the count-then-path-info-list preamble
// AddMultipleToStore's framed payload carries, then wires each item's
// Source to a reader bounded to that item's declared NAR size: the
// remaining bytes of pr are each item's NAR content back to back, in
// path-info order, with no further delimiting, so a Source must be
// drained fully before the next item's becomes valid to read.
func readAddMultipleItems(pr io.Reader) ([]daemon.AddToStoreItem, error) {
	wr := wire.NewReader(pr)
	n, err := wr.Uint64()
	if err != nil {
		return nil, err
	}
	items := make([]daemon.AddToStoreItem, 0, daemon.CapHint(n))
	for i := uint64(0); i < n; i++ {
		path, err := wr.String()
		if err != nil {
			return nil, err
		}
		p, err := storepath.Parse(path)
		if err != nil {
			return nil, err
		}
		info, err := daemon.ReadValidPathInfo(wr, p)
		if err != nil {
			return nil, err
		}
		size := info.NARSize
		items = append(items, daemon.AddToStoreItem{
			Info: info,
			Source: func() (interface{ Read([]byte) (int, error) }, error) {
				return io.LimitReader(pr, int64(size)), nil
			},
		})
	}
	return items, nil
}
