// Command ddup-bak manages deduplicating backup repositories: archives
// share identical content through a reference-counted chunk store, so
// repeated backups of similar trees cost little additional space.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/compression"
	"github.com/0x7d8/ddup-bak/repository"
)

const (
	exitOK = iota
	exitUserError
	exitIOError
	exitCorruption
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to the documented exit codes: 1 for user
// errors (bad arguments, missing archives), 2 for I/O failures, 3 for
// corruption.
func exitCode(err error) int {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, archive.ErrMalformed),
		errors.Is(err, chunk.ErrIndexCorrupt),
		errors.Is(err, chunk.ErrCollision),
		errors.Is(err, chunk.ErrMissing):
		return exitCorruption
	case errors.As(err, &pathErr),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrNotExist):
		return exitIOError
	case errors.Is(err, repository.ErrExists),
		errors.Is(err, repository.ErrArchiveNotFound),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, archive.ErrEntryNotFound),
		errors.Is(err, compression.ErrUnsupported):
		return exitUserError
	default:
		// Everything a subcommand did not classify, including cobra's
		// own usage errors.
		return exitUserError
	}
}
