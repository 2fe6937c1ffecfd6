// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"

	"go.nixrs.dev/nixrs/wire"
)

// LogSink receives log frames as they arrive on the stderr channel,
// interleaved between an operation's request and its response.
type LogSink interface {
	// Log is called by processStderr for every log frame, LogResult
	// included, except LogLast and LogError, which end the operation or
	// become its error.
	Log(msg LogMessage)
}

// LogSinkFunc adapts a function to a LogSink.
type LogSinkFunc func(LogMessage)

// Log implements LogSink.
func (f LogSinkFunc) Log(msg LogMessage) { f(msg) }

// DiscardLogSink is a LogSink that ignores every frame.
var DiscardLogSink LogSink = LogSinkFunc(func(LogMessage) {})

// RemoteError is an error message the daemon sent on the stderr channel
// in place of a normal response.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// readLogMessage reads one stderr frame.
func readLogMessage(r *wire.Reader, version wire.ProtocolVersion) (LogMessage, error) {
	typRaw, err := r.Uint64()
	if err != nil {
		return LogMessage{}, err
	}
	typ := LogMessageType(typRaw)

	switch typ {
	case LogLast:
		return LogMessage{Type: typ}, nil

	case LogError:
		msg, err := readError(r, version)
		if err != nil {
			return LogMessage{}, err
		}
		return LogMessage{Type: typ, Text: msg}, nil

	case LogNext:
		text, err := r.String()
		if err != nil {
			return LogMessage{}, err
		}
		return LogMessage{Type: typ, Text: text}, nil

	case LogStartActivity:
		act, err := readActivity(r)
		if err != nil {
			return LogMessage{}, err
		}
		return LogMessage{Type: typ, Activity: &act}, nil

	case LogStopActivity:
		id, err := r.Uint64()
		if err != nil {
			return LogMessage{}, err
		}
		return LogMessage{Type: typ, ActivityID: id}, nil

	case LogResult:
		res, err := readActivityResult(r)
		if err != nil {
			return LogMessage{}, err
		}
		return LogMessage{Type: typ, Result: &res}, nil

	default:
		return LogMessage{}, protocolErrorf("unknown stderr frame type %#x", typRaw)
	}
}

func readActivity(r *wire.Reader) (Activity, error) {
	var act Activity
	var err error
	if act.ID, err = r.Uint64(); err != nil {
		return act, err
	}
	lvl, err := r.Uint64()
	if err != nil {
		return act, err
	}
	act.Level = Verbosity(lvl)
	typ, err := r.Uint64()
	if err != nil {
		return act, err
	}
	act.Type = ActivityType(typ)
	if act.Text, err = r.String(); err != nil {
		return act, err
	}
	if act.Fields, err = readFields(r); err != nil {
		return act, err
	}
	if act.Parent, err = r.Uint64(); err != nil {
		return act, err
	}
	return act, nil
}

func readActivityResult(r *wire.Reader) (ActivityResult, error) {
	var res ActivityResult
	var err error
	if res.ID, err = r.Uint64(); err != nil {
		return res, err
	}
	typ, err := r.Uint64()
	if err != nil {
		return res, err
	}
	res.Type = ResultType(typ)
	if res.Fields, err = readFields(r); err != nil {
		return res, err
	}
	return res, nil
}

func readFields(r *wire.Reader) ([]LogField, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	fields := make([]LogField, 0, capHintFields(n))
	for i := uint64(0); i < n; i++ {
		kind, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		switch kind {
		case 0:
			v, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			fields = append(fields, LogField{IsInt: true, Int: v})
		case 1:
			s, err := r.String()
			if err != nil {
				return nil, err
			}
			fields = append(fields, LogField{String: s})
		default:
			return nil, protocolErrorf("unknown log field kind %d", kind)
		}
	}
	return fields, nil
}

func capHintFields(n uint64) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

// readError reads a structured error report, returning its rendered
// message. Protocol versions before 1.26 send only a plain string.
func readError(r *wire.Reader, version wire.ProtocolVersion) (string, error) {
	if version.Minor() < 26 {
		return r.String()
	}
	if _, err := r.String(); err != nil { // error type, informational
		return "", err
	}
	level, err := r.Uint64()
	if err != nil {
		return "", err
	}
	if _, err := r.String(); err != nil { // obsolete
		return "", err
	}
	msg, err := r.String()
	if err != nil {
		return "", err
	}
	havePos, err := r.Bool()
	if err != nil {
		return "", err
	}
	if havePos {
		if _, err := r.String(); err != nil {
			return "", err
		}
		if _, err := r.Uint64(); err != nil {
			return "", err
		}
		if _, err := r.Uint64(); err != nil {
			return "", err
		}
	}
	n, err := r.Uint64()
	if err != nil {
		return "", err
	}
	for i := uint64(0); i < n; i++ {
		if _, err := readTrace(r); err != nil {
			return "", err
		}
	}
	_ = level
	return msg, nil
}

func readTrace(r *wire.Reader) (string, error) {
	havePos, err := r.Bool()
	if err != nil {
		return "", err
	}
	if havePos {
		if _, err := r.String(); err != nil {
			return "", err
		}
		if _, err := r.Uint64(); err != nil {
			return "", err
		}
		if _, err := r.Uint64(); err != nil {
			return "", err
		}
	}
	return r.String()
}

// writeErrorLegacy writes msg as the pre-1.26 plain-string error frame.
func writeErrorLegacy(w *wire.Writer, msg string) error {
	if err := w.Uint64(uint64(LogError)); err != nil {
		return err
	}
	return w.String(msg)
}

// writeError writes msg as a structured error frame for protocol
// versions 1.26 and later.
func writeError(w *wire.Writer, version wire.ProtocolVersion, msg string) error {
	if version.Minor() < 26 {
		return writeErrorLegacy(w, msg)
	}
	if err := w.Uint64(uint64(LogError)); err != nil {
		return err
	}
	if err := w.String("Error"); err != nil {
		return err
	}
	if err := w.Uint64(uint64(VerbError)); err != nil {
		return err
	}
	if err := w.String(""); err != nil {
		return err
	}
	if err := w.String(msg); err != nil {
		return err
	}
	if err := w.Bool(false); err != nil { // no position info
		return err
	}
	return w.Uint64(0) // no traces
}

// WriteLast writes the LogLast frame that terminates a successful
// operation's stderr channel, letting the caller read the response next.
func WriteLast(w *wire.Writer) error {
	return w.Uint64(uint64(LogLast))
}

// WriteError writes msg as the operation-terminating error frame, in the
// structured or legacy form according to version. No response follows an
// error frame.
func WriteError(w *wire.Writer, version wire.ProtocolVersion, msg string) error {
	return writeError(w, version, msg)
}

// WriteLogMessage writes one non-terminal stderr frame (LogNext,
// LogStartActivity, LogStopActivity, or LogResult) produced by a running
// operation. LogLast and LogError are written by WriteLast and WriteError
// instead.
func WriteLogMessage(w *wire.Writer, msg LogMessage) error {
	switch msg.Type {
	case LogNext:
		if err := w.Uint64(uint64(LogNext)); err != nil {
			return err
		}
		return w.String(msg.Text)
	case LogStartActivity:
		if msg.Activity == nil {
			return protocolErrorf("LogStartActivity frame missing activity")
		}
		if err := w.Uint64(uint64(LogStartActivity)); err != nil {
			return err
		}
		return writeActivity(w, *msg.Activity)
	case LogStopActivity:
		if err := w.Uint64(uint64(LogStopActivity)); err != nil {
			return err
		}
		return w.Uint64(msg.ActivityID)
	case LogResult:
		if msg.Result == nil {
			return protocolErrorf("LogResult frame missing result")
		}
		if err := w.Uint64(uint64(LogResult)); err != nil {
			return err
		}
		return writeActivityResult(w, *msg.Result)
	default:
		return protocolErrorf("WriteLogMessage: unexpected frame type %#x", uint64(msg.Type))
	}
}

func writeActivity(w *wire.Writer, act Activity) error {
	if err := w.Uint64(act.ID); err != nil {
		return err
	}
	if err := w.Uint64(uint64(act.Level)); err != nil {
		return err
	}
	if err := w.Uint64(uint64(act.Type)); err != nil {
		return err
	}
	if err := w.String(act.Text); err != nil {
		return err
	}
	if err := writeFields(w, act.Fields); err != nil {
		return err
	}
	return w.Uint64(act.Parent)
}

func writeActivityResult(w *wire.Writer, res ActivityResult) error {
	if err := w.Uint64(res.ID); err != nil {
		return err
	}
	if err := w.Uint64(uint64(res.Type)); err != nil {
		return err
	}
	return writeFields(w, res.Fields)
}

func writeFields(w *wire.Writer, fields []LogField) error {
	if err := w.Uint64(uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if f.IsInt {
			if err := w.Uint64(0); err != nil {
				return err
			}
			if err := w.Uint64(f.Int); err != nil {
				return err
			}
			continue
		}
		if err := w.Uint64(1); err != nil {
			return err
		}
		if err := w.String(f.String); err != nil {
			return err
		}
	}
	return nil
}

// processStderr drains stderr frames from r until a LogLast or LogError
// frame, forwarding intermediate frames to sink. It returns a
// *RemoteError if the daemon reported a failure.
func processStderr(r *wire.Reader, version wire.ProtocolVersion, sink LogSink) error {
	if sink == nil {
		sink = DiscardLogSink
	}
	for {
		msg, err := readLogMessage(r, version)
		if err != nil {
			return fmt.Errorf("daemon: read stderr frame: %w", err)
		}
		switch msg.Type {
		case LogLast:
			return nil
		case LogError:
			return &RemoteError{Msg: msg.Text}
		default:
			sink.Log(msg)
		}
	}
}
