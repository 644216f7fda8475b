// File: cmd/critcss/main_test.go
package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/critical-css/cmd"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	execute = cmd.Execute
}

type exitCode struct{ code int }

// captureExit replaces osExit with a recorder that never terminates the test.
func captureExit(t *testing.T) *exitCode {
	t.Helper()
	got := &exitCode{code: -1}
	osExit = func(code int) { got.code = code }
	t.Cleanup(resetMocks)
	return got
}

func TestHandlePanic_WritesLog(t *testing.T) {
	exit := captureExit(t)
	var written string
	osWriteFile = func(name string, data []byte, _ os.FileMode) error {
		assert.Equal(t, panicLogFile, name)
		written = string(data)
		return nil
	}

	func() {
		defer handlePanic()
		panic("pool invariant broken")
	}()

	assert.Equal(t, 2, exit.code)
	assert.Contains(t, written, "panic: pool invariant broken")
	assert.Contains(t, written, "goroutine", "stack trace is included")
}

func TestHandlePanic_WriteFailure(t *testing.T) {
	exit := captureExit(t)
	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	assert.Equal(t, 2, exit.code)
}

func TestHandlePanic_NoPanic(t *testing.T) {
	exit := captureExit(t)
	handlePanic()
	assert.Equal(t, -1, exit.code)
}

func TestMain_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, -1},
		{"canceled", context.Canceled, 0},
		{"failure", errors.New("bad flag"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit := captureExit(t)
			execute = func(ctx context.Context) error {
				require.NotNil(t, ctx)
				return tt.err
			}
			main()
			assert.Equal(t, tt.want, exit.code)
		})
	}
}
