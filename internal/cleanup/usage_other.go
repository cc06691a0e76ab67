//go:build !(linux || darwin || freebsd)

package cleanup

import "errors"

// Usage is not supported on this platform.
func Usage(path string) (*DiskStats, error) {
	return nil, errors.ErrUnsupported
}
