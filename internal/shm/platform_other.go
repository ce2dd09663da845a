//go:build !linux

package shm

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without a /dev/shm backed implementation.
var ErrUnsupported = errors.New("shared memory regions are only implemented on linux")

// MapRegion is not implemented on this platform.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not implemented on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// Unlink is not implemented on this platform.
func Unlink(name string) error {
	return ErrUnsupported
}

// Detached always reports true on this platform.
func Detached(region *MappedRegion) bool {
	return true
}

// Path returns name unchanged on this platform.
func Path(name string) string {
	return name
}

// Available always reports true on this platform.
func Available(size uint64, path string) bool {
	return true
}
