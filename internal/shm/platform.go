// Package shm contains the platform layer behind pkg/shm: named memory objects, their
// mappings and their teardown.
package shm

import (
	"strings"

	"github.com/srediag/shmbus/pkg/errcode"
)

// MaxNameLength is the longest accepted name, leading slash included. Handles that store
// the name in a 32 byte C buffer keep one byte for the terminator.
const MaxNameLength = 31

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr     []byte
	Fd       int
	Size     int
	Name     string
	Owner    bool // created by this process; unlinks on unmap
	Writable bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Size   int
	Create bool
	// Mode is the permission set used when Create is true.
	Mode uint32
}

// ValidateName checks that name can be used as a shared memory object name.
// A single leading slash is allowed; it counts toward MaxNameLength.
func ValidateName(name string) error {
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || len(name) > MaxNameLength {
		return errcode.InvalidName
	}
	if strings.ContainsAny(trimmed, "/\x00") || trimmed == "." || trimmed == ".." {
		return errcode.InvalidName
	}
	return nil
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
