// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/derivation"
	"go.nixrs.dev/nixrs/storepath"
)

// Reporter receives structured assertion failures from a [Mock]. A
// *testing.T satisfies this interface.
type Reporter interface {
	Errorf(format string, args ...any)
}

// step is one scripted call: the operation name and arguments the mock
// expects next, the log frames to emit while it runs, and its terminal
// result or error.
type step struct {
	op     string
	args   []any
	logs   []daemon.LogMessage
	result any
	err    error
}

// Mock is a scripted [DaemonStore] for tests. Build the expected call
// sequence with Expect, then exercise the mock through a real
// [go.nixrs.dev/nixrs/daemon.Client]/[Serve] pair or by calling its
// methods directly. Any call out of sequence, with unexpected arguments,
// or left over unconsumed at the end is reported through Reporter rather
// than by panicking, so a single failing expectation doesn't abort the
// rest of a table-driven test.
type Mock struct {
	mu    sync.Mutex
	r     Reporter
	steps []step
}

// NewMock returns an empty Mock reporting failures to r.
func NewMock(r Reporter) *Mock {
	return &Mock{r: r}
}

// Expect appends one scripted call to the sequence and returns m for
// chaining.
func (m *Mock) Expect(op string, args []any, logs []daemon.LogMessage, result any, err error) *Mock {
	m.steps = append(m.steps, step{op: op, args: args, logs: logs, result: result, err: err})
	return m
}

// Done reports, via Reporter, any scripted steps that were never
// consumed. Call it at the end of a test.
func (m *Mock) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		m.r.Errorf("mock store: scripted call %s%v was never made", s.op, s.args)
	}
	m.steps = nil
}

func (m *Mock) next(op string, args ...any) step {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.steps) == 0 {
		m.r.Errorf("mock store: unexpected call %s%v: no further steps scripted", op, args)
		return step{}
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	if s.op != op {
		m.r.Errorf("mock store: call order mismatch: got %s%v, want %s%v", op, args, s.op, s.args)
		return s
	}
	if !reflect.DeepEqual(s.args, args) {
		m.r.Errorf("mock store: %s called with %v; want %v", op, args, s.args)
	}
	return s
}

// deliver turns a scripted step into a ResultLog, replaying its logs
// before publishing its terminal value on a goroutine, matching how a
// real store streams progress ahead of a result.
func deliver[T any](s step) *daemon.ResultLog[T] {
	rl := daemon.NewResultLog[T]()
	go func() {
		for _, msg := range s.logs {
			rl.Log(msg)
		}
		var val T
		if s.err == nil && s.result != nil {
			v, ok := s.result.(T)
			if !ok {
				rl.Finish(val, fmt.Errorf("mock store: scripted result %v has type %T, want %T", s.result, s.result, val))
				return
			}
			val = v
		}
		rl.Finish(val, s.err)
	}()
	return rl
}

var _ DaemonStore = (*Mock)(nil)

func (m *Mock) IsValidPath(ctx context.Context, path storepath.Path) *daemon.ResultLog[bool] {
	return deliver[bool](m.next("IsValidPath", path))
}

func (m *Mock) QueryValidPaths(ctx context.Context, paths []storepath.Path, substitute bool) *daemon.ResultLog[[]storepath.Path] {
	return deliver[[]storepath.Path](m.next("QueryValidPaths", paths, substitute))
}

func (m *Mock) QueryAllValidPaths(ctx context.Context) *daemon.ResultLog[[]storepath.Path] {
	return deliver[[]storepath.Path](m.next("QueryAllValidPaths"))
}

func (m *Mock) QueryPathInfo(ctx context.Context, path storepath.Path) *daemon.ResultLog[*daemon.ValidPathInfo] {
	return deliver[*daemon.ValidPathInfo](m.next("QueryPathInfo", path))
}

func (m *Mock) QueryPathFromHashPart(ctx context.Context, hashPart string) *daemon.ResultLog[storepath.Path] {
	return deliver[storepath.Path](m.next("QueryPathFromHashPart", hashPart))
}

func (m *Mock) QueryReferrers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	return deliver[[]storepath.Path](m.next("QueryReferrers", path))
}

func (m *Mock) QueryValidDerivers(ctx context.Context, path storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	return deliver[[]storepath.Path](m.next("QueryValidDerivers", path))
}

func (m *Mock) QuerySubstitutablePaths(ctx context.Context, paths []storepath.Path) *daemon.ResultLog[[]storepath.Path] {
	return deliver[[]storepath.Path](m.next("QuerySubstitutablePaths", paths))
}

func (m *Mock) QueryDerivationOutputMap(ctx context.Context, drvPath storepath.Path) *daemon.ResultLog[map[string]storepath.Path] {
	return deliver[map[string]storepath.Path](m.next("QueryDerivationOutputMap", drvPath))
}

func (m *Mock) QueryMissing(ctx context.Context, paths []derivation.DerivedPath) *daemon.ResultLog[daemon.MissingInfo] {
	return deliver[daemon.MissingInfo](m.next("QueryMissing", paths))
}

func (m *Mock) QueryRealisation(ctx context.Context, outputID string) *daemon.ResultLog[*daemon.Realisation] {
	return deliver[*daemon.Realisation](m.next("QueryRealisation", outputID))
}

func (m *Mock) SetOptions(ctx context.Context, s daemon.ClientSettings) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("SetOptions", s))
}

func (m *Mock) AddTempRoot(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("AddTempRoot", path))
}

func (m *Mock) AddIndirectRoot(ctx context.Context, linkPath string) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("AddIndirectRoot", linkPath))
}

func (m *Mock) AddPermRoot(ctx context.Context, path storepath.Path, gcRoot string) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("AddPermRoot", path, gcRoot))
}

func (m *Mock) FindRoots(ctx context.Context) *daemon.ResultLog[map[string]storepath.Path] {
	return deliver[map[string]storepath.Path](m.next("FindRoots"))
}

func (m *Mock) CollectGarbage(ctx context.Context, opts daemon.GCOptions) *daemon.ResultLog[daemon.GCResult] {
	return deliver[daemon.GCResult](m.next("CollectGarbage", opts))
}

func (m *Mock) OptimiseStore(ctx context.Context) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("OptimiseStore"))
}

func (m *Mock) VerifyStore(ctx context.Context, checkContents, repair bool) *daemon.ResultLog[bool] {
	return deliver[bool](m.next("VerifyStore", checkContents, repair))
}

func (m *Mock) EnsurePath(ctx context.Context, path storepath.Path) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("EnsurePath", path))
}

func (m *Mock) AddSignatures(ctx context.Context, path storepath.Path, sigs []string) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("AddSignatures", path, sigs))
}

func (m *Mock) BuildPaths(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("BuildPaths", paths, mode))
}

func (m *Mock) BuildPathsWithResults(ctx context.Context, paths []derivation.DerivedPath, mode daemon.BuildMode) *daemon.ResultLog[[]daemon.BuildResult] {
	return deliver[[]daemon.BuildResult](m.next("BuildPathsWithResults", paths, mode))
}

func (m *Mock) BuildDerivation(ctx context.Context, drvPath storepath.Path, drv derivation.BasicDerivation, mode daemon.BuildMode) *daemon.ResultLog[daemon.BuildResult] {
	return deliver[daemon.BuildResult](m.next("BuildDerivation", drvPath, drv, mode))
}

func (m *Mock) RegisterDrvOutput(ctx context.Context, r daemon.Realisation) *daemon.ResultLog[struct{}] {
	return deliver[struct{}](m.next("RegisterDrvOutput", r))
}

func (m *Mock) NarFromPath(ctx context.Context, path storepath.Path, w io.Writer) *daemon.ResultLog[struct{}] {
	s := m.next("NarFromPath", path)
	if s.err == nil {
		if data, ok := s.result.([]byte); ok {
			if _, werr := w.Write(data); werr != nil {
				return deliver[struct{}](step{err: werr})
			}
			s.result = nil
		}
	}
	return deliver[struct{}](s)
}

func (m *Mock) AddToStoreNar(ctx context.Context, info daemon.ValidPathInfo, src io.Reader, repair bool) *daemon.ResultLog[struct{}] {
	data, err := io.ReadAll(src)
	if err != nil {
		return deliver[struct{}](step{err: err})
	}
	return deliver[struct{}](m.next("AddToStoreNar", info, data, repair))
}

func (m *Mock) AddMultipleToStore(ctx context.Context, items []daemon.AddToStoreItem, repair bool) *daemon.ResultLog[struct{}] {
	paths := make([]storepath.Path, len(items))
	for i, item := range items {
		paths[i] = item.Info.Path
	}
	return deliver[struct{}](m.next("AddMultipleToStore", paths, repair))
}

func (m *Mock) AddBuildLog(ctx context.Context, drvPath storepath.Path, logText io.Reader) *daemon.ResultLog[struct{}] {
	data, err := io.ReadAll(logText)
	if err != nil {
		return deliver[struct{}](step{err: err})
	}
	return deliver[struct{}](m.next("AddBuildLog", drvPath, data))
}
