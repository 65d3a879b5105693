package kmem

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
)

// Kmalloc allocates size bytes from the kernel heap. Kmalloc(0) returns 0.
func (m *Manager) Kmalloc(size uintptr) (uintptr, *kernel.Error) {
	var ptr uintptr
	err := m.guarded("kmalloc", func() (err *kernel.Error) {
		ptr, err = m.heap.Alloc(size)
		return err
	})
	return ptr, err
}

// KmallocA allocates size bytes from the kernel heap starting on a page
// boundary.
func (m *Manager) KmallocA(size uintptr) (uintptr, *kernel.Error) {
	var ptr uintptr
	err := m.guarded("kmalloc_a", func() (err *kernel.Error) {
		ptr, err = m.heap.AllocAligned(size)
		return err
	})
	return ptr, err
}

// Kfree returns the allocation at ptr to the heap. Freeing 0 is a no-op;
// freeing a pointer that the heap did not hand out, or freeing it twice,
// logs a warning and leaves the heap untouched.
func (m *Manager) Kfree(ptr uintptr) *kernel.Error {
	return m.guarded("kfree", func() *kernel.Error {
		return m.heap.Free(ptr)
	})
}

// Krealloc resizes the allocation at ptr and returns its new address.
func (m *Manager) Krealloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	var newPtr uintptr
	err := m.guarded("krealloc", func() (err *kernel.Error) {
		newPtr, err = m.heap.Realloc(ptr, size)
		return err
	})
	return newPtr, err
}
