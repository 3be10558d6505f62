//go:build !(darwin || linux || freebsd)

package ledger

import "os"

// lockFile is a no-op where flock is unavailable; the in-process mutex still serializes.
func lockFile(_ *os.File) (func(), error) {
	return func() {}, nil
}
