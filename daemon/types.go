// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package daemon implements the Nix store daemon wire protocol: the
// handshake, operation dispatch, and interleaved stderr log/result
// framing that sits on top of packages wire and nar.
package daemon

import (
	"fmt"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// Magic numbers exchanged at the start of every connection.
const (
	ClientMagic uint64 = 0x6e697863 // "nixc"
	ServerMagic uint64 = 0x6478696f // "dxio"
)

// MaxStringSize bounds any single string or byte field read from the
// wire within this package, matching package wire's limit.
const MaxStringSize = 256 * 1024 * 1024

// Operation identifies a daemon worker operation.
type Operation uint64

// The daemon operation codes, matching the reference daemon's stable
// numbering (they are never renumbered between protocol versions; an
// operation is retired by refusing it, never by reusing its code).
const (
	OpIsValidPath             Operation = 1
	OpQueryReferrers          Operation = 6
	OpAddToStore              Operation = 7
	OpBuildPaths              Operation = 9
	OpEnsurePath              Operation = 10
	OpAddTempRoot             Operation = 11
	OpAddIndirectRoot         Operation = 12
	OpFindRoots               Operation = 14
	OpSetOptions              Operation = 19
	OpCollectGarbage          Operation = 20
	OpQueryAllValidPaths      Operation = 23
	OpQueryPathInfo           Operation = 26
	OpQueryPathFromHashPart   Operation = 29
	OpQueryValidPaths         Operation = 31
	OpQuerySubstitutablePaths Operation = 32
	OpQueryValidDerivers      Operation = 33
	OpOptimiseStore           Operation = 34
	OpVerifyStore             Operation = 35
	OpBuildDerivation         Operation = 36
	OpAddSignatures           Operation = 37
	OpNarFromPath             Operation = 38
	OpAddToStoreNar           Operation = 39
	OpQueryMissing            Operation = 40
	OpQueryDerivationOutputMap Operation = 41
	OpRegisterDrvOutput       Operation = 42
	OpQueryRealisation        Operation = 43
	OpAddMultipleToStore      Operation = 44
	OpAddBuildLog             Operation = 45
	OpBuildPathsWithResults   Operation = 46
	OpAddPermRoot             Operation = 47
)

var operationNames = map[Operation]string{
	OpIsValidPath:              "IsValidPath",
	OpQueryReferrers:           "QueryReferrers",
	OpAddToStore:               "AddToStore",
	OpBuildPaths:               "BuildPaths",
	OpEnsurePath:               "EnsurePath",
	OpAddTempRoot:              "AddTempRoot",
	OpAddIndirectRoot:          "AddIndirectRoot",
	OpFindRoots:                "FindRoots",
	OpSetOptions:               "SetOptions",
	OpCollectGarbage:           "CollectGarbage",
	OpQueryAllValidPaths:       "QueryAllValidPaths",
	OpQueryPathInfo:            "QueryPathInfo",
	OpQueryPathFromHashPart:    "QueryPathFromHashPart",
	OpQueryValidPaths:          "QueryValidPaths",
	OpQuerySubstitutablePaths:  "QuerySubstitutablePaths",
	OpQueryValidDerivers:       "QueryValidDerivers",
	OpOptimiseStore:            "OptimiseStore",
	OpVerifyStore:              "VerifyStore",
	OpBuildDerivation:          "BuildDerivation",
	OpAddSignatures:            "AddSignatures",
	OpNarFromPath:              "NarFromPath",
	OpAddToStoreNar:            "AddToStoreNar",
	OpQueryMissing:             "QueryMissing",
	OpQueryDerivationOutputMap: "QueryDerivationOutputMap",
	OpRegisterDrvOutput:        "RegisterDrvOutput",
	OpQueryRealisation:         "QueryRealisation",
	OpAddMultipleToStore:       "AddMultipleToStore",
	OpAddBuildLog:              "AddBuildLog",
	OpBuildPathsWithResults:    "BuildPathsWithResults",
	OpAddPermRoot:              "AddPermRoot",
}

// String returns the operation's conventional name, e.g. "IsValidPath".
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", uint64(o))
}

// TrustLevel reports how the daemon regards the client's authority to
// perform privileged operations (adding signatures, registering
// realisations without verification, and the like).
type TrustLevel uint64

// The trust levels a daemon may report after the handshake.
const (
	TrustUnknown    TrustLevel = 0
	TrustTrusted    TrustLevel = 1
	TrustNotTrusted TrustLevel = 2
)

// LogMessageType identifies the kind of frame sent on the interleaved
// stderr channel between an operation's request and its response.
type LogMessageType uint64

// The stderr frame types, matching the reference daemon's ASCII-derived
// magic numbers.
const (
	LogLast          LogMessageType = 0x616c7473 // "stla" reversed
	LogError         LogMessageType = 0x63787470 // "ptxc" reversed
	LogNext          LogMessageType = 0x6f6c6d67 // "gmlo" reversed
	LogRead          LogMessageType = 0x64617461 // "atad" reversed
	LogWrite         LogMessageType = 0x64617416
	LogStartActivity LogMessageType = 0x53545254
	LogStopActivity  LogMessageType = 0x53544f50
	LogResult        LogMessageType = 0x52534c54
)

// ActivityType identifies the kind of work a StartActivity log frame
// describes.
type ActivityType uint64

// The activity types the reference daemon reports.
const (
	ActUnknown       ActivityType = 100
	ActCopyPath      ActivityType = 101
	ActFileTransfer  ActivityType = 102
	ActRealise       ActivityType = 103
	ActCopyPaths     ActivityType = 104
	ActBuilds        ActivityType = 105
	ActBuild         ActivityType = 106
	ActOptimiseStore ActivityType = 107
	ActVerifyPaths   ActivityType = 108
	ActSubstitute    ActivityType = 109
	ActQueryPathInfo ActivityType = 110
	ActPostBuildHook ActivityType = 111
	ActBuildWaiting  ActivityType = 112
)

// ResultType identifies the kind of progress update a Result log frame
// carries for a running activity.
type ResultType uint64

// The result types the reference daemon reports within an activity.
const (
	ResFileLinked       ResultType = 100
	ResBuildLogLine     ResultType = 101
	ResUntrustedPath    ResultType = 102
	ResCorruptedPath    ResultType = 103
	ResSetPhase         ResultType = 104
	ResProgress         ResultType = 105
	ResSetExpected      ResultType = 106
	ResPostBuildLogLine ResultType = 107
	ResFetchStatus      ResultType = 108
)

// Verbosity is a client-requested or message-tagged log level.
type Verbosity uint64

// The verbosity levels, from least to most chatty.
const (
	VerbError     Verbosity = 0
	VerbWarn      Verbosity = 1
	VerbNotice    Verbosity = 2
	VerbInfo      Verbosity = 3
	VerbTalkative Verbosity = 4
	VerbChatty    Verbosity = 5
	VerbDebug     Verbosity = 6
	VerbVomit     Verbosity = 7
)

// BuildMode controls how a build operation treats already-valid or
// previously-failed outputs.
type BuildMode uint64

// The build modes a client may request.
const (
	BuildModeNormal BuildMode = 0
	BuildModeRepair BuildMode = 1
	BuildModeCheck  BuildMode = 2
)

// BuildStatus is the outcome of a single derivation build.
type BuildStatus uint64

// The build outcomes the reference daemon reports.
const (
	BuildStatusBuilt                 BuildStatus = 0
	BuildStatusSubstituted           BuildStatus = 1
	BuildStatusAlreadyValid          BuildStatus = 2
	BuildStatusPermanentFailure      BuildStatus = 3
	BuildStatusInputRejected         BuildStatus = 4
	BuildStatusOutputRejected        BuildStatus = 5
	BuildStatusTransientFailure      BuildStatus = 6
	BuildStatusCachedFailure         BuildStatus = 7 // no longer produced; recognized for compatibility
	BuildStatusTimedOut              BuildStatus = 8
	BuildStatusMiscFailure           BuildStatus = 9
	BuildStatusDependencyFailed      BuildStatus = 10
	BuildStatusLogLimitExceeded      BuildStatus = 11
	BuildStatusNotDeterministic      BuildStatus = 12
	BuildStatusResolvesToAlreadyValid BuildStatus = 13
	BuildStatusNoSubstituters        BuildStatus = 14
)

var buildStatusNames = map[BuildStatus]string{
	BuildStatusBuilt:                  "Built",
	BuildStatusSubstituted:            "Substituted",
	BuildStatusAlreadyValid:           "AlreadyValid",
	BuildStatusPermanentFailure:       "PermanentFailure",
	BuildStatusInputRejected:          "InputRejected",
	BuildStatusOutputRejected:         "OutputRejected",
	BuildStatusTransientFailure:       "TransientFailure",
	BuildStatusCachedFailure:          "CachedFailure",
	BuildStatusTimedOut:               "TimedOut",
	BuildStatusMiscFailure:            "MiscFailure",
	BuildStatusDependencyFailed:       "DependencyFailed",
	BuildStatusLogLimitExceeded:       "LogLimitExceeded",
	BuildStatusNotDeterministic:       "NotDeterministic",
	BuildStatusResolvesToAlreadyValid: "ResolvesToAlreadyValid",
	BuildStatusNoSubstituters:         "NoSubstituters",
}

// String returns the build status's conventional name, e.g. "Built".
func (s BuildStatus) String() string {
	if name, ok := buildStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BuildStatus(%d)", uint64(s))
}

// Success reports whether s represents a successful build, whether by
// building, substituting, or finding the output already valid.
func (s BuildStatus) Success() bool {
	return s == BuildStatusBuilt || s == BuildStatusSubstituted || s == BuildStatusAlreadyValid
}

// GCAction selects the operation performed by CollectGarbage.
type GCAction uint64

// The garbage-collection actions a client may request.
const (
	GCReturnLive     GCAction = 0
	GCReturnDead     GCAction = 1
	GCDeleteDead     GCAction = 2
	GCDeleteSpecific GCAction = 3
)

// ValidPathInfo is the metadata the daemon reports for a store path via
// QueryPathInfo and accepts via AddToStoreNar/AddMultipleToStore.
type ValidPathInfo struct {
	Path             storepath.Path
	Deriver          storepath.Path // zero value if unknown
	NARHash          nixhash.Hash
	References       []storepath.Path
	RegistrationTime int64 // Unix seconds
	NARSize          uint64
	Ultimate         bool
	Sigs             []string
	CA               contentaddress.ContentAddress // zero value if not content-addressed
}

// BuildResult reports the outcome of building or substituting a single
// derivation.
type BuildResult struct {
	Status             BuildStatus
	ErrorMsg           string
	TimesBuilt         uint64
	IsNonDeterministic bool
	StartTime          int64
	StopTime           int64
	BuiltOutputs       map[string]Realisation
}

// Realisation is a content-addressed realisation of a derivation output.
type Realisation struct {
	ID                    string
	OutPath               storepath.Path
	Signatures            []string
	DependentRealisations map[string]storepath.Path
}

// MissingInfo is the result of a QueryMissing operation.
type MissingInfo struct {
	WillBuild      []storepath.Path
	WillSubstitute []storepath.Path
	Unknown        []storepath.Path
	DownloadSize   uint64
	NARSize        uint64
}

// GCOptions configures a CollectGarbage operation.
type GCOptions struct {
	Action         GCAction
	PathsToDelete  []storepath.Path
	IgnoreLiveness bool
	MaxFreed       uint64
}

// GCResult is the result of a CollectGarbage operation.
type GCResult struct {
	Paths      []storepath.Path
	BytesFreed uint64
}

// LogField is one field of a structured log activity or result, which is
// either an integer or a string.
type LogField struct {
	IsInt  bool
	Int    uint64
	String string
}

// Activity describes a unit of work the daemon has begun, reported on the
// stderr channel by a StartActivity frame.
type Activity struct {
	ID     uint64
	Level  Verbosity
	Type   ActivityType
	Text   string
	Fields []LogField
	Parent uint64
}

// ActivityResult is a progress update for a running activity, reported by
// a Result frame.
type ActivityResult struct {
	ID     uint64
	Type   ResultType
	Fields []LogField
}

// LogMessage is one frame of the interleaved stderr channel the daemon
// sends between receiving an operation's request and writing its
// response.
type LogMessage struct {
	Type       LogMessageType
	Text       string // set for LogNext and LogError
	Activity   *Activity
	ActivityID uint64 // set for LogStopActivity
	Result     *ActivityResult
}

// ClientSettings are the build settings a client sends via SetOptions,
// typically once immediately after the handshake.
type ClientSettings struct {
	KeepFailed          bool
	KeepGoing           bool
	TryFallback         bool
	Verbosity           Verbosity
	MaxBuildJobs        uint64
	MaxSilentTime       uint64
	UseBuildHook        bool // obsolete, always sent as true for compatibility
	BuildVerbosity      Verbosity
	UseSubstitutes      bool
	Overrides           map[string]string
}

// AddToStoreItem is a single store path submitted via AddMultipleToStore:
// its metadata, plus a reader positioned at its NAR serialization.
type AddToStoreItem struct {
	Info   ValidPathInfo
	Source func() (interface{ Read([]byte) (int, error) }, error)
}
