package main

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/repository"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("opening archive: %w", archive.ErrMalformed), exitCorruption},
		{fmt.Errorf("index: %w", chunk.ErrIndexCorrupt), exitCorruption},
		{fmt.Errorf("restore: %w", chunk.ErrMissing), exitCorruption},
		{fmt.Errorf("x: %w", repository.ErrArchiveNotFound), exitUserError},
		{fmt.Errorf("x: %w", repository.ErrExists), exitUserError},
		{fmt.Errorf("x: %w", repository.ErrInvalidArgument), exitUserError},
		{fmt.Errorf("read: %w", fs.ErrPermission), exitIOError},
		{&fs.PathError{Op: "open", Path: "x", Err: errors.New("device gone")}, exitIOError},
		{errors.New("accepts 2 arg(s), received 1"), exitUserError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}
