//go:build !unix

package archive

import "io/fs"

// fileOwner extracts the uid and gid from file info. Ownership is not
// tracked on this platform.
func fileOwner(_ fs.FileInfo) (uint32, uint32) {
	return 0, 0
}
