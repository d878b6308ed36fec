package helper

import (
	"log/slog"
	"strings"
)

// normalErrMsgs lists substrings of errors that are routine during
// connection teardown and should not clutter logs at Error level.
var normalErrMsgs = []string{
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"EOF",
	"i/o timeout",
	"connection refused",
}

// IsBenignCloseError reports whether err looks like an expected teardown
// error (peer reset, closed socket, broken pipe) rather than a genuine
// failure worth surfacing at Error level.
func IsBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	for _, s := range normalErrMsgs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// LogErr logs err at Debug if it is a benign teardown error, at Error
// otherwise. Callers pass a logger already scoped with "in"/context
// attributes, matching the teacher's logErr idiom.
func LogErr(logger *slog.Logger, msg string, err error) {
	if err == nil {
		return
	}
	if IsBenignCloseError(err) {
		logger.Debug(msg, "error", err)
		return
	}
	logger.Error(msg, "error", err)
}
