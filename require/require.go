// Package require has the assertions used by mailstore tests. Each stops
// the test on the first failure: alecthomas/assert calls t.FailNow() after
// reporting, these add the checks it doesn't have.
package require

import (
	"errors"
	"fmt"

	"github.com/alecthomas/assert"
)

// TestingT is an interface wrapper around *testing.T
type TestingT = assert.TestingT

func Len(t TestingT, object interface{}, length int, msgAndArgs ...interface{}) {
	assert.Len(t, object, length, msgAndArgs...)
}

func NoError(t TestingT, err error, msgAndArgs ...interface{}) {
	assert.NoError(t, err, msgAndArgs...)
}

func Error(t TestingT, err error, msgAndArgs ...interface{}) {
	if err != nil {
		return
	}
	assert.Fail(t, "An error is expected but got nil", msgAndArgs...)
}

// ErrorIs asserts that err matches target via errors.Is
//
//	require.ErrorIs(t, err, dberr.ErrBusy)
func ErrorIs(t TestingT, err error, target error, msgAndArgs ...interface{}) {
	if errors.Is(err, target) {
		return
	}
	msg := fmt.Sprintf("error doesn't match: expected '%s', got '%v'", target, err)
	assert.Fail(t, msg, msgAndArgs...)
}

func Equal(t TestingT, expected interface{}, actual interface{}, msgAndArgs ...interface{}) {
	assert.Equal(t, expected, actual, msgAndArgs...)
}

func True(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.True(t, value, msgAndArgs...)
}

func False(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.False(t, value, msgAndArgs...)
}
