//go:build unix

package physmem

import "golang.org/x/sys/unix"

// allocate maps an anonymous, private region so the emulated RAM is
// page-aligned and lazily committed by the host kernel.
func allocate(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}

	return data, unix.Munmap, nil
}
