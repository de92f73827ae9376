//go:build unix

package archive

import (
	"io/fs"
	"syscall"
)

// fileOwner extracts the uid and gid from file info.
func fileOwner(info fs.FileInfo) (uint32, uint32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid
	}
	return 0, 0
}
