// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package sqlitestore implements [store.DaemonStore] on top of a SQLite
// database plus a directory tree of NAR object bytes on disk. It is the
// persisted counterpart to [store.Mock]: where Mock scripts responses for
// tests, Store actually registers, serves and serializes store objects.
//
// Building derivations and collecting garbage remain out of scope (see
// the package-level Non-goals); CollectGarbage, OptimiseStore, BuildPaths,
// BuildPathsWithResults and BuildDerivation all return [ErrNotSupported].
package sqlitestore

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/derivation"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/store"
	"go.nixrs.dev/nixrs/storepath"
)

// ErrNotSupported is returned by the store operations this package does
// not implement: derivation building and garbage collection are both
// Non-goals of the surrounding module.
var ErrNotSupported = errors.New("sqlitestore: operation not supported")

// Options holds the optional parameters to [Open].
type Options struct {
	// RealDir is the directory NAR object bytes and build logs are
	// written to. If empty, it defaults to the database file's path with
	// "-objects" appended.
	RealDir string
}

// Store is a local, persisted [store.DaemonStore].
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	dir     storepath.Dir
	realDir string
	db      *sqlitemigration.Pool

	registering sync.Mutex // serializes all path registrations, whatever the path
}

var _ store.DaemonStore = (*Store)(nil)

// Open returns a new Store rooted at dir, backed by the SQLite database at
// dbPath. Callers are responsible for calling [Store.Close] on the
// returned Store.
func Open(dir storepath.Dir, dbPath string, opts Options) (*Store, error) {
	realDir := opts.RealDir
	if realDir == "" {
		realDir = dbPath + "-objects"
	}
	if err := os.MkdirAll(realDir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", dbPath, err)
	}
	s := &Store{
		dir:     dir,
		realDir: realDir,
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "sqlitestore: migrating %s", dbPath)
			},
			OnReady: func() {
				log.Debugf(context.Background(), "sqlitestore: %s ready", dbPath)
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "sqlitestore: migration: %v", err)
			},
		}),
	}
	return s, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil)
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

// objectFile returns the path on disk holding the NAR bytes for path.
func (s *Store) objectFile(path storepath.Path) string {
	return filepath.Join(s.realDir, path.Base()+".nar")
}

// run performs a blocking operation on a new goroutine and returns a
// [daemon.ResultLog] that finishes with its result once it completes. No
// log messages are sent on the result's log channel.
func run[T any](ctx context.Context, f func(conn *sqlite.Conn) (T, error), s *Store) *daemon.ResultLog[T] {
	rl := daemon.NewResultLog[T]()
	go func() {
		var zero T
		conn, err := s.db.Get(ctx)
		if err != nil {
			rl.Finish(zero, err)
			return
		}
		defer s.db.Put(conn)
		val, err := f(conn)
		rl.Finish(val, err)
	}()
	return rl
}

// --- queries ---

func (s *Store) IsValidPath(ctx context.Context, path storepath.Path) *daemon.ResultLog[bool] {
	return run(ctx, func(conn *sqlite.Conn) (bool, error) {
		return objectExists(conn, path)
	}, s)
}

func (s *Store) QueryValidPaths(ctx context.Context, paths []storepath.Path, substitute bool) *daemon.ResultLog[[]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) ([]storepath.Path, error) {
		var out []storepath.Path
		for _, p := range paths {
			ok, err := objectExists(conn, p)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, p)
			}
		}
		return out, nil
	}, s)
}

func (s *Store) QueryAllValidPaths(ctx context.Context) *daemon.ResultLog[[]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) ([]storepath.Path, error) {
		var out []storepath.Path
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_all_paths.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, err := storepath.Parse(stmt.GetText("path"))
				if err != nil {
					return err
				}
				out = append(out, p)
				return nil
			},
		})
		return out, err
	}, s)
}

func (s *Store) QueryPathInfo(ctx context.Context, path storepath.Path) *daemon.ResultLog[*daemon.ValidPathInfo] {
	return run(ctx, func(conn *sqlite.Conn) (*daemon.ValidPathInfo, error) {
		return pathInfo(conn, path)
	}, s)
}

func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) *daemon.ResultLog[storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) (storepath.Path, error) {
		prefix := s.dir.Join(hashPart) + "-%"
		var found storepath.Path
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_from_hash_part.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":prefix": prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, err := storepath.Parse(stmt.GetText("path"))
				if err != nil {
					return err
				}
				found = p
				return nil
			},
		})
		return found, err
	}, s)
}

func (s *Store) QueryReferrers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) ([]storepath.Path, error) {
		return queryPathColumn(conn, "query_referrers.sql", "referrer", path)
	}, s)
}

func (s *Store) QueryValidDerivers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) ([]storepath.Path, error) {
		var out []storepath.Path
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_deriver.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(path)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw := stmt.GetText("deriver")
				if raw == "" {
					return nil
				}
				p, err := storepath.Parse(raw)
				if err != nil {
					return err
				}
				out = append(out, p)
				return nil
			},
		})
		return out, err
	}, s)
}

// QuerySubstitutablePaths always reports nothing substitutable: this
// store has no notion of an upstream substituter.
func (s *Store) QuerySubstitutablePaths(ctx context.Context, paths []storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	rl := daemon.NewResultLog[[]storepath.Path]()
	rl.Finish(nil, nil)
	return rl
}

func (s *Store) QueryDerivationOutputMap(ctx context.Context, drvPath storepath.Path) *daemon.ResultLog[map[string]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) (map[string]storepath.Path, error) {
		refs, err := queryPathColumn(conn, "query_references.sql", "reference", drvPath)
		if err != nil {
			return nil, err
		}
		out := make(map[string]storepath.Path)
		for _, ref := range refs {
			if ok, err := queryDeriverIs(conn, ref, drvPath); err == nil && ok {
				out[ref.Name()] = ref
			}
		}
		return out, nil
	}, s)
}

func queryDeriverIs(conn *sqlite.Conn, path, drvPath storepath.Path) (bool, error) {
	info, err := pathInfo(conn, path)
	if err != nil {
		return false, nil
	}
	return info.Deriver == drvPath, nil
}

// QueryMissing classifies each requested derived path as either already
// present in the store or, since this store never builds, unknown: there
// is no evaluator here to say whether a missing path could be built or
// substituted.
func (s *Store) QueryMissing(ctx context.Context, paths []derivation.DerivedPath) *daemon.ResultLog[daemon.MissingInfo] {
	return run(ctx, func(conn *sqlite.Conn) (daemon.MissingInfo, error) {
		var info daemon.MissingInfo
		for _, dp := range paths {
			outputs, err := derivedPathOutputs(dp)
			if err != nil {
				return info, err
			}
			for _, p := range outputs {
				ok, err := objectExists(conn, p)
				if err != nil {
					return info, err
				}
				if !ok {
					info.Unknown = append(info.Unknown, p)
				}
			}
		}
		return info, nil
	}, s)
}

// derivedPathOutputs returns the store paths named by dp that can be
// determined without evaluating a derivation: an Opaque path names
// itself directly, while a Built/BuiltAll reference only carries a drv
// path and output names, not the paths those outputs resolve to, so
// there is nothing further to check for those here.
func derivedPathOutputs(dp derivation.DerivedPath) ([]storepath.Path, error) {
	if dp.IsOpaque() {
		return []storepath.Path{dp.Path}, nil
	}
	return nil, nil
}

func (s *Store) QueryRealisation(ctx context.Context, outputID string) *daemon.ResultLog[*daemon.Realisation] {
	return run(ctx, func(conn *sqlite.Conn) (*daemon.Realisation, error) {
		return queryRealisation(conn, outputID)
	}, s)
}

// --- client settings, roots ---

func (s *Store) SetOptions(ctx context.Context, cs daemon.ClientSettings) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	rl.Finish(struct{}{}, nil)
	return rl
}

func (s *Store) AddTempRoot(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	rl.Finish(struct{}{}, nil)
	return rl
}

func (s *Store) AddIndirectRoot(ctx context.Context, linkPath string) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	rl.Finish(struct{}{}, nil)
	return rl
}

func (s *Store) AddPermRoot(ctx context.Context, path storepath.Path, gcRoot string) *daemon.ResultLog[struct{}] {
	return run(ctx, func(conn *sqlite.Conn) (struct{}, error) {
		if err := upsertPath(conn, path); err != nil {
			return struct{}{}, err
		}
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_root.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":link_path": gcRoot, ":path": string(path)},
		})
		return struct{}{}, err
	}, s)
}

func (s *Store) FindRoots(ctx context.Context) *daemon.ResultLog[map[string]storepath.Path] {
	return run(ctx, func(conn *sqlite.Conn) (map[string]storepath.Path, error) {
		out := make(map[string]storepath.Path)
		err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_roots.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, err := storepath.Parse(stmt.GetText("path"))
				if err != nil {
					return err
				}
				out[stmt.GetText("link_path")] = p
				return nil
			},
		})
		return out, err
	}, s)
}

// CollectGarbage is unimplemented: garbage collection is a Non-goal of
// this module.
func (s *Store) CollectGarbage(ctx context.Context, opts daemon.GCOptions) *daemon.ResultLog[daemon.GCResult] {
	rl := daemon.NewResultLog[daemon.GCResult]()
	rl.Finish(daemon.GCResult{}, ErrNotSupported)
	return rl
}

// OptimiseStore is unimplemented: deduplicating on-disk store layout is a
// Non-goal of this module.
func (s *Store) OptimiseStore(ctx context.Context) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	rl.Finish(struct{}{}, ErrNotSupported)
	return rl
}

// VerifyStore recomputes the NAR hash of every registered object from the
// bytes on disk and reports whether they all still match their recorded
// metadata. It never repairs: fetching replacement bytes from a
// substituter is out of scope.
func (s *Store) VerifyStore(ctx context.Context, checkContents, repair bool) *daemon.ResultLog[bool] {
	if repair {
		rl := daemon.NewResultLog[bool]()
		rl.Finish(false, fmt.Errorf("%w: repair", ErrNotSupported))
		return rl
	}
	rl := daemon.NewResultLog[bool]()
	go func() {
		conn, err := s.db.Get(ctx)
		if err != nil {
			rl.Finish(false, err)
			return
		}
		defer s.db.Put(conn)

		var paths []storepath.Path
		err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_all_paths.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, err := storepath.Parse(stmt.GetText("path"))
				if err != nil {
					return err
				}
				paths = append(paths, p)
				return nil
			},
		})
		if err != nil {
			rl.Finish(false, err)
			return
		}

		ok := true
		for _, p := range paths {
			info, err := pathInfo(conn, p)
			if err != nil {
				rl.Log(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("%s: %v", p, err)})
				ok = false
				continue
			}
			if !checkContents {
				continue
			}
			valid, err := s.verifyObjectContents(p, info)
			if err != nil || !valid {
				rl.Log(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("%s: corrupt", p)})
				ok = false
			}
		}
		rl.Finish(ok, nil)
	}()
	return rl
}

func (s *Store) verifyObjectContents(p storepath.Path, info *daemon.ValidPathInfo) (bool, error) {
	f, err := os.Open(s.objectFile(p))
	if err != nil {
		return false, err
	}
	defer f.Close()
	ctx := nixhash.NewContext(info.NARHash.Algorithm())
	if _, err := io.Copy(ctx, f); err != nil {
		return false, err
	}
	return ctx.Sum().Equal(info.NARHash), nil
}

func (s *Store) EnsurePath(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}] {
	return run(ctx, func(conn *sqlite.Conn) (struct{}, error) {
		ok, err := objectExists(conn, path)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, fmt.Errorf("ensure path %s: not present and cannot be built or substituted", path)
		}
		return struct{}{}, nil
	}, s)
}

func (s *Store) AddSignatures(ctx context.Context, path storepath.Path, sigs []string) *daemon.ResultLog[struct{}] {
	return run(ctx, func(conn *sqlite.Conn) (struct{}, error) {
		for _, sig := range sigs {
			err := sqlitex.ExecuteFS(conn, sqlFiles(), "add_signature.sql", &sqlitex.ExecOptions{
				Named: map[string]any{":path": string(path), ":sig": sig},
			})
			if err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}, s)
}

// --- building (unsupported) ---

func (s *Store) BuildPaths(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	rl.Finish(struct{}{}, ErrNotSupported)
	return rl
}

func (s *Store) BuildPathsWithResults(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[[]daemon.BuildResult] {
	rl := daemon.NewResultLog[[]daemon.BuildResult]()
	rl.Finish(nil, ErrNotSupported)
	return rl
}

func (s *Store) BuildDerivation(ctx context.Context, drvPath storepath.Path, drv derivation.BasicDerivation, mode daemon.BuildMode) *daemon.ResultLog[daemon.BuildResult] {
	rl := daemon.NewResultLog[daemon.BuildResult]()
	rl.Finish(daemon.BuildResult{}, ErrNotSupported)
	return rl
}

// RegisterDrvOutput records a content-addressed realisation that a caller
// already produced out of band; it does not itself build anything.
func (s *Store) RegisterDrvOutput(ctx context.Context, r daemon.Realisation) *daemon.ResultLog[struct{}] {
	return run(ctx, func(conn *sqlite.Conn) (struct{}, error) {
		return struct{}{}, insertRealisation(conn, r)
	}, s)
}

// --- byte streams ---

func (s *Store) NarFromPath(ctx context.Context, path storepath.Path, w io.Writer) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	go func() {
		f, err := os.Open(s.objectFile(path))
		if err != nil {
			rl.Finish(struct{}{}, err)
			return
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		rl.Finish(struct{}{}, err)
	}()
	return rl
}

// AddToStoreNar reads a NAR from src, writes it to disk, and registers
// info in the database.
//
// Registrations are serialized by one store-wide lock, so concurrent
// calls register one at a time whether or not they name the same path;
// this keeps two callers from registering the same path with conflicting
// metadata.
func (s *Store) AddToStoreNar(ctx context.Context, info daemon.ValidPathInfo, src io.Reader, repair bool) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	go func() {
		s.registering.Lock()
		defer s.registering.Unlock()
		err := s.writeObject(info.Path, src)
		if err != nil {
			rl.Finish(struct{}{}, err)
			return
		}
		conn, err := s.db.Get(ctx)
		if err != nil {
			rl.Finish(struct{}{}, err)
			return
		}
		defer s.db.Put(conn)
		err = insertObject(conn, &info)
		rl.Finish(struct{}{}, err)
	}()
	return rl
}

func (s *Store) writeObject(path storepath.Path, src io.Reader) (err error) {
	tmp, err := os.CreateTemp(s.realDir, "tmp-*.nar")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.objectFile(path))
}

// AddMultipleToStore registers each item in items, in order, reading its
// NAR payload from item.Source the way AddToStoreNar does for a single
// item.
func (s *Store) AddMultipleToStore(ctx context.Context, items []daemon.AddToStoreItem, repair bool) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	go func() {
		s.registering.Lock()
		defer s.registering.Unlock()
		conn, err := s.db.Get(ctx)
		if err != nil {
			rl.Finish(struct{}{}, err)
			return
		}
		defer s.db.Put(conn)

		for _, item := range items {
			rc, err := item.Source()
			if err != nil {
				rl.Finish(struct{}{}, err)
				return
			}
			err = s.writeObject(item.Info.Path, rc)
			if closer, ok := rc.(io.Closer); ok {
				closer.Close()
			}
			if err != nil {
				rl.Finish(struct{}{}, err)
				return
			}
			if err := insertObject(conn, &item.Info); err != nil {
				rl.Finish(struct{}{}, err)
				return
			}
		}
		rl.Finish(struct{}{}, nil)
	}()
	return rl
}

// AddBuildLog persists a build log for drvPath to disk for later
// retrieval. This store never produces build logs itself, since building
// is out of scope, but it can still hold logs a caller already has (e.g.
// replicated from another daemon).
func (s *Store) AddBuildLog(ctx context.Context, drvPath storepath.Path, logText io.Reader) *daemon.ResultLog[struct{}] {
	rl := daemon.NewResultLog[struct{}]()
	go func() {
		name := logFileName(drvPath)
		tmp, err := os.CreateTemp(s.realDir, "tmp-log-*")
		if err != nil {
			rl.Finish(struct{}{}, err)
			return
		}
		tmpName := tmp.Name()
		_, err = io.Copy(tmp, logText)
		closeErr := tmp.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmpName)
			rl.Finish(struct{}{}, err)
			return
		}
		rl.Finish(struct{}{}, os.Rename(tmpName, filepath.Join(s.realDir, name)))
	}()
	return rl
}

// logFileName derives a filesystem-safe name for a derivation's build log
// from its store path, since the path's digest alone is not guaranteed
// unique across store directories sharing one realDir.
func logFileName(drvPath storepath.Path) string {
	sum := sha256.Sum256([]byte(drvPath))
	return "log-" + hex.EncodeToString(sum[:8]) + ".log"
}

// --- internal helpers ---

func objectExists(conn *sqlite.Conn, path storepath.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	return exists, err
}

func queryPathColumn(conn *sqlite.Conn, queryFile, column string, path storepath.Path) ([]storepath.Path, error) {
	var out []storepath.Path
	err := sqlitex.ExecuteFS(conn, sqlFiles(), queryFile, &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.Parse(stmt.GetText(column))
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		},
	})
	return out, err
}

func pathInfo(conn *sqlite.Conn, path storepath.Path) (*daemon.ValidPathInfo, error) {
	var info *daemon.ValidPathInfo
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info = &daemon.ValidPathInfo{Path: path}
			if deriver := stmt.GetText("deriver"); deriver != "" {
				p, err := storepath.Parse(deriver)
				if err != nil {
					return fmt.Errorf("deriver: %w", err)
				}
				info.Deriver = p
			}
			h, err := nixhash.ParseAny(stmt.GetText("nar_hash"), 0)
			if err != nil {
				return fmt.Errorf("nar hash: %w", err)
			}
			info.NARHash = h
			info.NARSize = uint64(stmt.GetInt64("nar_size"))
			info.Ultimate = stmt.GetBool("ultimate")
			info.RegistrationTime = stmt.GetInt64("registration_time")
			if ca := stmt.GetText("ca"); ca != "" {
				parsed, err := contentaddress.Parse(ca)
				if err != nil {
					return fmt.Errorf("content address: %w", err)
				}
				info.CA = parsed
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%s: not in store", path)
	}
	refs, err := queryPathColumn(conn, "query_references.sql", "reference", path)
	if err != nil {
		return nil, err
	}
	info.References = refs
	sigs, err := queryStringList(conn, "query_signatures.sql", path)
	if err != nil {
		return nil, err
	}
	info.Sigs = sigs
	return info, nil
}

func queryStringList(conn *sqlite.Conn, queryFile string, path storepath.Path) ([]string, error) {
	var out []string
	err := sqlitex.ExecuteFS(conn, sqlFiles(), queryFile, &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, stmt.GetText("sig"))
			return nil
		},
	})
	return out, err
}

// insertObject upserts info and its reference edges within a single
// transaction, the way the teacher's backend_store.go does for NARInfo
// registration.
func insertObject(conn *sqlite.Conn, info *daemon.ValidPathInfo) (err error) {
	defer sqlitex.Save(conn)(&err)

	if err := upsertPath(conn, info.Path); err != nil {
		return err
	}
	if info.Deriver != "" {
		if err := upsertPath(conn, info.Deriver); err != nil {
			return err
		}
	}

	caText := ""
	if !info.CA.IsZero() {
		caText = info.CA.String()
	}
	registrationTime := info.RegistrationTime
	if registrationTime == 0 {
		registrationTime = time.Now().Unix()
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":              string(info.Path),
			":deriver":           string(info.Deriver),
			":nar_hash":          info.NARHash.String(),
			":nar_size":          int64(info.NARSize),
			":ca":                caText,
			":ultimate":          info.Ultimate,
			":registration_time": registrationTime,
		},
	})
	if err != nil {
		return fmt.Errorf("insert object %s: %w", info.Path, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return err
	}
	defer addRefStmt.Finalize()
	addRefStmt.SetText(":referrer", string(info.Path))
	for _, ref := range info.References {
		if err := upsertPath(conn, ref); err != nil {
			return err
		}
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert object %s: reference %s: %w", info.Path, ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return err
		}
	}

	for _, sig := range info.Sigs {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "add_signature.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(info.Path), ":sig": sig},
		})
		if err != nil {
			return fmt.Errorf("insert object %s: signature: %w", info.Path, err)
		}
	}
	return nil
}

func upsertPath(conn *sqlite.Conn, path storepath.Path) error {
	if path == "" {
		return nil
	}
	return sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
}

func insertRealisation(conn *sqlite.Conn, r daemon.Realisation) (err error) {
	defer sqlitex.Save(conn)(&err)

	if err := upsertPath(conn, r.OutPath); err != nil {
		return err
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": r.ID, ":out_path": string(r.OutPath)},
	})
	if err != nil {
		return err
	}
	for _, sig := range r.Signatures {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "add_realisation_signature.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":id": r.ID, ":sig": sig},
		})
		if err != nil {
			return err
		}
	}
	for outputID, path := range r.DependentRealisations {
		if err := upsertPath(conn, path); err != nil {
			return err
		}
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "add_realisation_dependent.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":id": r.ID, ":output_id": outputID, ":path": string(path)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func queryRealisation(conn *sqlite.Conn, id string) (*daemon.Realisation, error) {
	var out *daemon.Realisation
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.Parse(stmt.GetText("out_path"))
			if err != nil {
				return err
			}
			out = &daemon.Realisation{ID: id, OutPath: p}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation_signatures.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out.Signatures = append(out.Signatures, stmt.GetText("sig"))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation_dependents.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if out.DependentRealisations == nil {
				out.DependentRealisations = make(map[string]storepath.Path)
			}
			p, err := storepath.Parse(stmt.GetText("path"))
			if err != nil {
				return err
			}
			out.DependentRealisations[stmt.GetText("output_id")] = p
			return nil
		},
	})
	return out, err
}
