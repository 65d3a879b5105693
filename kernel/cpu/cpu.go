// Package cpu isolates every privileged instruction used by the memory
// subsystem behind small interfaces so that the paging and allocator code
// can run against real hardware or against the Emulated CPU on a host.
package cpu

const (
	// CR0PagingEnabled is the PG bit of the CR0 control register.
	CR0PagingEnabled = uint32(1 << 31)

	// CR0WriteProtect is the WP bit of the CR0 control register.
	CR0WriteProtect = uint32(1 << 16)
)

// MMU exposes the control registers and TLB operations needed by the page
// table manager.
type MMU interface {
	// LoadRoot writes the physical address of a page directory to CR3.
	// Loading CR3 implicitly flushes all non-global TLB entries.
	LoadRoot(pdtPhysAddr uintptr)

	// ActiveRoot returns the physical address currently loaded in CR3.
	ActiveRoot() uintptr

	// Invalidate flushes the TLB entry for a single virtual address (invlpg).
	Invalidate(virtAddr uintptr)

	// FaultAddress returns the value of CR2, the linear address that
	// caused the last page fault.
	FaultAddress() uintptr

	// Enable sets the paging bit in CR0.
	Enable()
}

// CPU exposes the interrupt flag and halt instruction.
type CPU interface {
	// DisableInterrupts clears the interrupt flag and returns true if
	// interrupts were enabled before the call.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)

	// Halt stops instruction execution.
	Halt()

	// Halted returns true once Halt has been called.
	Halted() bool
}
