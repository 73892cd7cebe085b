package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&StartError{Err: fmt.Errorf("no such file")}, "failed to start lean REPL: no such file"},
		{&FrameDecodeError{Raw: "garbage", Err: fmt.Errorf("invalid JSON")}, "failed to decode REPL frame: invalid JSON"},
		{&TimeoutError{Timeout: 30 * time.Second}, "lean REPL did not respond within 30s"},
		{&ProcessError{ExitCode: 137, Stderr: "killed"}, "lean REPL process terminated (exit 137): killed"},
		{&ProcessError{ExitCode: 1, Err: fmt.Errorf("wait: boom")}, "lean REPL process terminated (exit 1): wait: boom"},
		{&MemoryLimitError{Attempts: 5}, "memory usage too high after 5 restart attempts"},
		{&RestartExhaustedError{Attempts: 5, Stage: StageDispatch, Err: fmt.Errorf("exit 1")}, "giving up after 5 attempts (stage dispatch): exit 1"},
		{&UnknownSessionError{ID: -3}, "unknown session state id -3: not in the session cache"},
		{&CacheReplayError{ID: -1, Key: "k", Err: fmt.Errorf("gone")}, "failed to replay session state -1 (k): gone"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestAllErrorsSatisfyREPLError(t *testing.T) {
	errs := []error{
		&StartError{},
		&FrameDecodeError{},
		&TimeoutError{},
		&ProcessError{},
		&MemoryLimitError{},
		&RestartExhaustedError{},
		&UnknownSessionError{},
		&CacheReplayError{},
	}

	for _, err := range errs {
		var replErr REPLError
		require.ErrorAs(t, err, &replErr, "%T", err)
		assert.True(t, replErr.IsREPLError())
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := &ProcessError{ExitCode: 9, Stderr: "killed"}
	err := &RestartExhaustedError{Attempts: 3, Stage: StageDispatch, Err: cause}

	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 9, procErr.ExitCode)

	wrapped := fmt.Errorf("dispatch: %w", &CacheReplayError{ID: -2, Key: "k", Err: ErrServerNotRunning})
	assert.True(t, stderrors.Is(wrapped, ErrServerNotRunning))
}
