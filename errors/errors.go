// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors provides structured error handling and leveled logging for
// tlswire. Errors carry a severity, the name of the function that created
// them, and an optional inner error chain compatible with errors.Is/As.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

const trim = len("github.com/tlswire/tlswire/")

// Severity levels for logging. Lower value = higher severity.
type Severity int32

const (
	SeverityUnknown Severity = 0
	SeverityError   Severity = 1
	SeverityWarning Severity = 2
	SeverityInfo    Severity = 3
	SeverityDebug   Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInfo:
		return "Info"
	case SeverityDebug:
		return "Debug"
	default:
		return "Unknown"
	}
}

// globalLogLevel stores the current log level for cheap early-exit checks.
var globalLogLevel atomic.Int32

// logWriter is the output destination for logs (default: stderr).
var logWriter atomic.Value

// logCallback allows external packages to intercept log messages.
// Stored as func(Severity, string) or nil.
var logCallback atomic.Value

func init() {
	globalLogLevel.Store(int32(SeverityWarning))
	logWriter.Store(io.Writer(os.Stderr))
}

// SetLogCallback registers a callback that receives all log messages. When a
// callback is set, logs go only through the callback, so the callback is
// responsible for final output. Pass nil to revert to the writer.
func SetLogCallback(cb func(Severity, string)) {
	if cb == nil {
		logCallback.Store((func(Severity, string))(nil))
	} else {
		logCallback.Store(cb)
	}
}

// SetLogLevel sets the minimum severity level for logging.
func SetLogLevel(s Severity) {
	globalLogLevel.Store(int32(s))
}

// GetLogLevel returns the current log level.
func GetLogLevel() Severity {
	return Severity(globalLogLevel.Load())
}

// SetLogWriter sets the output writer for logs.
func SetLogWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logWriter.Store(w)
}

// ShouldLog returns true if messages at the given severity should be logged.
func ShouldLog(severity Severity) bool {
	return severity <= Severity(globalLogLevel.Load())
}

type hasInnerError interface {
	Unwrap() error
}

type hasSeverity interface {
	Severity() Severity
}

// Error is a structured error with context, chaining, and severity.
type Error struct {
	prefix   []interface{}
	message  []interface{}
	caller   string
	inner    error
	severity Severity
}

// Error implements error.Error().
func (err *Error) Error() string {
	builder := strings.Builder{}
	for _, prefix := range err.prefix {
		builder.WriteByte('[')
		builder.WriteString(fmt.Sprint(prefix))
		builder.WriteString("] ")
	}

	if len(err.caller) > 0 {
		builder.WriteString(err.caller)
		builder.WriteString(": ")
	}

	builder.WriteString(fmt.Sprint(err.message...))

	if err.inner != nil {
		builder.WriteString(" > ")
		builder.WriteString(err.inner.Error())
	}

	return builder.String()
}

// Unwrap implements the errors.Unwrap contract.
func (err *Error) Unwrap() error {
	if err.inner == nil {
		return nil
	}
	return err.inner
}

// Base sets the inner error.
func (err *Error) Base(e error) *Error {
	err.inner = e
	return err
}

func (err *Error) atSeverity(s Severity) *Error {
	err.severity = s
	return err
}

// Severity returns the error's severity level. If the inner error is more
// severe (lower value), that severity is returned instead.
func (err *Error) Severity() Severity {
	if err.inner == nil {
		return err.severity
	}
	if s, ok := err.inner.(hasSeverity); ok {
		as := s.Severity()
		if as < err.severity {
			return as
		}
	}
	return err.severity
}

// AtDebug sets the severity to debug.
func (err *Error) AtDebug() *Error {
	return err.atSeverity(SeverityDebug)
}

// AtInfo sets the severity to info.
func (err *Error) AtInfo() *Error {
	return err.atSeverity(SeverityInfo)
}

// AtWarning sets the severity to warning.
func (err *Error) AtWarning() *Error {
	return err.atSeverity(SeverityWarning)
}

// AtError sets the severity to error.
func (err *Error) AtError() *Error {
	return err.atSeverity(SeverityError)
}

// String returns the string representation of this error.
func (err *Error) String() string {
	return err.Error()
}

// New returns a new error object with a message formed from the given
// arguments and the calling function recorded as the origin.
func New(msg ...interface{}) *Error {
	pc, _, _, _ := runtime.Caller(1)
	details := runtime.FuncForPC(pc).Name()
	if len(details) >= trim {
		details = details[trim:]
	}
	return &Error{
		message:  msg,
		severity: SeverityInfo,
		caller:   details,
	}
}

// LogDebug logs a debug message. Callers on hot paths should gate the call
// behind DebugLoggingEnabled so argument construction is compiled out of
// release builds.
func LogDebug(ctx context.Context, msg ...interface{}) {
	if !DebugLoggingEnabled {
		return
	}
	if !ShouldLog(SeverityDebug) {
		return
	}
	doLog(ctx, nil, SeverityDebug, msg...)
}

// LogDebugInner logs a debug message with an inner error.
func LogDebugInner(ctx context.Context, inner error, msg ...interface{}) {
	if !DebugLoggingEnabled {
		return
	}
	if !ShouldLog(SeverityDebug) {
		return
	}
	doLog(ctx, inner, SeverityDebug, msg...)
}

// LogInfo logs an info message.
func LogInfo(ctx context.Context, msg ...interface{}) {
	if !ShouldLog(SeverityInfo) {
		return
	}
	doLog(ctx, nil, SeverityInfo, msg...)
}

// LogInfoInner logs an info message with an inner error.
func LogInfoInner(ctx context.Context, inner error, msg ...interface{}) {
	if !ShouldLog(SeverityInfo) {
		return
	}
	doLog(ctx, inner, SeverityInfo, msg...)
}

// LogWarning logs a warning message.
func LogWarning(ctx context.Context, msg ...interface{}) {
	if !ShouldLog(SeverityWarning) {
		return
	}
	doLog(ctx, nil, SeverityWarning, msg...)
}

// LogWarningInner logs a warning message with an inner error.
func LogWarningInner(ctx context.Context, inner error, msg ...interface{}) {
	if !ShouldLog(SeverityWarning) {
		return
	}
	doLog(ctx, inner, SeverityWarning, msg...)
}

// LogError logs an error message.
func LogError(ctx context.Context, msg ...interface{}) {
	if !ShouldLog(SeverityError) {
		return
	}
	doLog(ctx, nil, SeverityError, msg...)
}

// LogErrorInner logs an error message with an inner error.
func LogErrorInner(ctx context.Context, inner error, msg ...interface{}) {
	if !ShouldLog(SeverityError) {
		return
	}
	doLog(ctx, inner, SeverityError, msg...)
}

func doLog(ctx context.Context, inner error, severity Severity, msg ...interface{}) {
	pc, _, _, _ := runtime.Caller(2)
	details := runtime.FuncForPC(pc).Name()
	if len(details) >= trim {
		details = details[trim:]
	}

	err := &Error{
		message:  msg,
		severity: severity,
		caller:   details,
		inner:    inner,
	}

	if ctx != nil && ctx != context.Background() {
		id := ConnIDFromContext(ctx)
		if id > 0 {
			err.prefix = append(err.prefix, id)
		}
	}

	formattedMsg := err.String()

	if cb := logCallback.Load(); cb != nil {
		if callback, ok := cb.(func(Severity, string)); ok && callback != nil {
			callback(severity, formattedMsg)
			return
		}
	}

	w := logWriter.Load().(io.Writer)
	fmt.Fprintf(w, "[%s] %s\n", severity.String(), formattedMsg)
}

type connIDKey struct{}

// ContextWithConnID returns a context with a connection ID attached. Log
// lines carry the ID as a prefix so interleaved connections can be told
// apart.
func ContextWithConnID(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext extracts the connection ID from a context, or 0.
func ConnIDFromContext(ctx context.Context) uint32 {
	if ctx == nil {
		return 0
	}
	if id, ok := ctx.Value(connIDKey{}).(uint32); ok {
		return id
	}
	return 0
}

// Cause returns the root cause of this error by unwrapping the error chain.
func Cause(err error) error {
	if err == nil {
		return nil
	}
	for {
		var innerErr hasInnerError
		if stderrors.As(err, &innerErr) {
			unwrapped := innerErr.Unwrap()
			if unwrapped == nil {
				break
			}
			err = unwrapped
		} else {
			break
		}
	}
	return err
}

// GetSeverity returns the actual severity of the error, including inner
// errors.
func GetSeverity(err error) Severity {
	var s hasSeverity
	if stderrors.As(err, &s) {
		return s.Severity()
	}
	return SeverityInfo
}
