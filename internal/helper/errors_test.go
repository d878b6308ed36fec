package helper_test

import (
	"errors"
	"log/slog"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/reactorproxy/internal/helper"
)

func TestIsBenignCloseError(t *testing.T) {
	c := qt.New(t)

	c.Assert(helper.IsBenignCloseError(nil), qt.IsTrue)
	c.Assert(helper.IsBenignCloseError(errors.New("use of closed network connection")), qt.IsTrue)
	c.Assert(helper.IsBenignCloseError(errors.New("read: connection reset by peer")), qt.IsTrue)
	c.Assert(helper.IsBenignCloseError(errors.New("something went wrong")), qt.IsFalse)
}

func TestLogErrDoesNotPanic(t *testing.T) {
	logger := slog.Default()
	helper.LogErr(logger, "teardown", errors.New("broken pipe"))
	helper.LogErr(logger, "unexpected", errors.New("disk full"))
	helper.LogErr(logger, "nil error", nil)
}
