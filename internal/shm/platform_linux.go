//go:build linux

package shm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/errcode"
)

// DevShm is where glibc's shm_open places named objects.
const DevShm = "/dev/shm"

const (
	createFlags = unix.O_CREAT | unix.O_RDWR | unix.O_EXCL | unix.O_NOFOLLOW | unix.O_CLOEXEC
	openFlags   = unix.O_RDONLY | unix.O_NOFOLLOW | unix.O_CLOEXEC
)

var log = logging.Internal.Named("shm")

// Path returns the file backing the named object.
func Path(name string) string {
	return filepath.Join(DevShm, strings.TrimPrefix(name, "/"))
}

// Available reports whether /dev/shm has room for size more bytes. Paths outside
// /dev/shm and failed usage queries are treated as available.
func Available(size uint64, path string) bool {
	if !strings.HasPrefix(path, DevShm) {
		return true
	}
	stat, err := disk.Usage(DevShm)
	if err != nil {
		log.Debugf("disk usage of %s: %v", DevShm, err)
		return true
	}
	return stat.Free >= size
}

// MapRegion creates or opens the named object and maps it (Linux implementation).
//
// With opts.Create the object is created exclusively and mapped read-write; an existing
// object is treated as abandoned, unlinked, and creation is retried once. Without it the
// object is opened and mapped read-only.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, &errcode.OSError{Op: "mmap", Errno: unix.EINVAL}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Create {
		return openRegion(opts)
	}
	return createRegion(opts)
}

func createRegion(opts MapOptions) (*MappedRegion, error) {
	path := Path(opts.Name)
	fd, err := unix.Open(path, createFlags, opts.Mode)
	if errors.Is(err, unix.EEXIST) {
		log.Warnf("shared memory %s is abandoned, reclaiming", opts.Name)
		if err := unix.Unlink(path); err != nil {
			return nil, errcode.FromOS("shm_unlink", err)
		}
		fd, err = unix.Open(path, createFlags, opts.Mode)
	}
	if err != nil {
		return nil, errcode.FromOS("shm_open", err)
	}

	// from here on a failure must not leave the descriptor or the name behind
	fail := func(op string, err error) (*MappedRegion, error) {
		if cerr := unix.Close(fd); cerr != nil {
			log.Warnf("close %s after %s failure: %v", opts.Name, op, cerr)
		}
		if uerr := unix.Unlink(path); uerr != nil {
			log.Warnf("unlink %s after %s failure: %v", opts.Name, op, uerr)
		}
		return nil, errcode.FromOS(op, err)
	}

	if !Available(uint64(opts.Size), path) {
		return fail("shm_capacity", unix.ENOSPC)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		return fail("ftruncate", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	log.Debugf("created shared memory %s size=%d fd=%d", opts.Name, opts.Size, fd)
	return &MappedRegion{
		Addr:     addr,
		Fd:       fd,
		Size:     opts.Size,
		Name:     opts.Name,
		Owner:    true,
		Writable: true,
	}, nil
}

func openRegion(opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.Open(Path(opts.Name), openFlags, 0)
	if err != nil {
		return nil, errcode.FromOS("shm_open", err)
	}
	fail := func(op string, err error) (*MappedRegion, error) {
		if cerr := unix.Close(fd); cerr != nil {
			log.Warnf("close %s after %s failure: %v", opts.Name, op, cerr)
		}
		return nil, errcode.FromOS(op, err)
	}

	// touching a mapping past the end of the object raises SIGBUS
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fail("fstat", err)
	}
	if st.Size < int64(opts.Size) {
		log.Warnf("shared memory %s holds %d bytes, %d requested", opts.Name, st.Size, opts.Size)
		return fail("mmap", unix.EINVAL)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	log.Debugf("opened shared memory %s size=%d fd=%d", opts.Name, opts.Size, fd)
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Size: opts.Size,
		Name: opts.Name,
	}, nil
}

// UnmapRegion unmaps the region, closes its descriptor and, for the owner, unlinks the
// name (Linux implementation). Every step is attempted; the first failure is returned.
// The region is invalidated even when a step fails.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return errcode.RegionClosed
	}
	var first error
	record := func(op string, err error) {
		if err == nil {
			return
		}
		log.Warnf("%s %s: %v", op, region.Name, err)
		if first == nil {
			first = errcode.FromOS(op, err)
		}
	}

	record("munmap", unix.Munmap(region.Addr))
	region.Addr = nil
	record("close", unix.Close(region.Fd))
	region.Fd = -1
	if region.Owner {
		record("shm_unlink", unix.Unlink(Path(region.Name)))
	}
	return first
}

// Unlink removes the named object without mapping it.
func Unlink(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return errcode.FromOS("shm_unlink", unix.Unlink(Path(name)))
}

// Detached reports whether the name no longer refers to the object behind region, because
// it was unlinked or unlinked and created again.
func Detached(region *MappedRegion) bool {
	if region == nil || region.Fd < 0 {
		return true
	}
	var mapped, named unix.Stat_t
	if err := unix.Fstat(region.Fd, &mapped); err != nil {
		return true
	}
	if err := unix.Stat(Path(region.Name), &named); err != nil {
		return true
	}
	return mapped.Dev != named.Dev || mapped.Ino != named.Ino
}
