// Package vmm implements two-level x86 paging: page directories and page
// tables stored in physical memory, the map/unmap/translate primitives and
// the page fault handler.
package vmm

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/cpu"
	"github.com/alexeev-prog/KintsugiOS/kernel/irq"
	"github.com/alexeev-prog/KintsugiOS/kernel/kfmt"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/physmem"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.InvalidOperation}

	// ErrAddressOutOfRange is returned for virtual addresses outside the 32-bit address space.
	ErrAddressOutOfRange = &kernel.Error{Module: "vmm", Message: "virtual address outside the 32-bit address space", Kind: kernel.InvalidOperation}

	// ErrPageFault is returned by the virtual memory accessors after a page
	// fault has been delivered.
	ErrPageFault = &kernel.Error{Module: "vmm", Message: "page fault", Kind: kernel.HardwareFault}

	errNoHugePageSupport   = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.InvalidOperation}
	errUnrecoverableFault  = &kernel.Error{Module: "vmm", Message: "page/gpf fault", Kind: kernel.HardwareFault}
	errMissingCollaborator = &kernel.Error{Module: "vmm", Message: "address space requires memory, frame allocator, MMU, interrupt controller and panic sink", Kind: kernel.InvalidOperation}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (mm.Frame, *kernel.Error)

// InterruptController accepts exception handler registrations and delivers
// exceptions raised while accessing virtual memory.
type InterruptController interface {
	irq.Registrar

	// Dispatch invokes the handler registered for regs.Vector.
	Dispatch(regs *irq.Registers) bool
}

// faultLatch is implemented by MMUs that let software load CR2.
type faultLatch interface {
	RaiseFault(addr uintptr)
}

// tlbRecorder is implemented by MMUs that model TLB fills.
type tlbRecorder interface {
	Touch(virtAddr uintptr)
}

// Config lists the collaborators of an AddressSpace.
type Config struct {
	Memory     *physmem.Memory
	AllocFrame FrameAllocatorFn
	MMU        cpu.MMU
	Interrupts InterruptController
	PanicSink  kfmt.PanicSink
}

// AddressSpace owns the kernel page directory and every page table reachable
// from it. All operations act on the currently active directory.
type AddressSpace struct {
	mem        *physmem.Memory
	allocFrame FrameAllocatorFn
	mmu        cpu.MMU
	interrupts InterruptController
	panicSink  kfmt.PanicSink

	kernelDir *PageDirectory
	current   *PageDirectory

	log *logrus.Entry
}

// NewAddressSpace creates the kernel page directory and installs the
// paging-related exception handlers. The directory is not activated; call
// SwitchPageDirectory once the boot mappings are in place.
func NewAddressSpace(cfg Config) (*AddressSpace, *kernel.Error) {
	if cfg.Memory == nil || cfg.AllocFrame == nil || cfg.MMU == nil || cfg.Interrupts == nil || cfg.PanicSink == nil {
		return nil, errMissingCollaborator
	}

	as := &AddressSpace{
		mem:        cfg.Memory,
		allocFrame: cfg.AllocFrame,
		mmu:        cfg.MMU,
		interrupts: cfg.Interrupts,
		panicSink:  cfg.PanicSink,
		log:        kfmt.Logger("vmm"),
	}

	dir, err := as.NewPageDirectory()
	if err != nil {
		return nil, err
	}
	as.kernelDir, as.current = dir, dir

	as.installFaultHandlers()
	return as, nil
}

// KernelDirectory returns the page directory created by NewAddressSpace.
func (as *AddressSpace) KernelDirectory() *PageDirectory {
	return as.kernelDir
}

// CurrentDirectory returns the page directory that Map, Unmap and Translate
// operate on.
func (as *AddressSpace) CurrentDirectory() *PageDirectory {
	return as.current
}

// SwitchPageDirectory loads the physical address of dir's entry array into
// CR3 and turns on paging. Loading CR3 flushes the TLB.
func (as *AddressSpace) SwitchPageDirectory(dir *PageDirectory) {
	as.current = dir
	as.mmu.LoadRoot(dir.physicalAddr)
	as.mmu.Enable()
	as.log.Debugf("switched to page directory at 0x%08x", dir.physicalAddr)
}
