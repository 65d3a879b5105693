// Package irq provides the minimal interrupt dispatch surface used by the
// memory subsystem to install its exception handlers.
package irq

import (
	"fmt"
	"io"
)

// InterruptNumber describes an x86 interrupt vector.
type InterruptNumber uint8

const (
	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or page table entry
	// is not present or when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Page fault error code bits pushed by the CPU.
const (
	// FaultProtection is set when the fault was caused by a protection
	// violation and cleared when it was caused by a non-present page.
	FaultProtection uint32 = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the fault happened while the CPU was in user mode.
	FaultUser

	// FaultReservedBit is set when a paging structure had a reserved bit set.
	FaultReservedBit

	// FaultInstructionFetch is set when the fault was caused by an
	// instruction fetch.
	FaultInstructionFetch
)

// Registers contains a snapshot of the register values when an interrupt
// occurred together with the vector number and error code.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Vector is the interrupt number being serviced.
	Vector InterruptNumber

	// Info contains the exception error code for exceptions that push one.
	Info uint32

	// The exception frame pushed by the CPU.
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	fmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	fmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	fmt.Fprintf(w, "EBP = %08x\n", r.EBP)
	fmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	fmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	fmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// Handler is a function that services an interrupt.
type Handler func(*Registers)

// Registrar is implemented by dispatchers that accept handler registrations.
type Registrar interface {
	HandleInterrupt(intNumber InterruptNumber, handler Handler)
}

// Dispatcher routes interrupts to the handlers registered for them.
type Dispatcher struct {
	handlers [256]Handler

	// Unhandled is invoked for vectors without a handler. It may be nil.
	Unhandled Handler
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. A previously registered handler for
// the same vector is replaced.
func (d *Dispatcher) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	d.handlers[intNumber] = handler
}

// Handler returns the handler registered for intNumber or nil.
func (d *Dispatcher) Handler(intNumber InterruptNumber) Handler {
	return d.handlers[intNumber]
}

// Dispatch invokes the handler for regs.Vector and reports whether one was
// registered.
func (d *Dispatcher) Dispatch(regs *Registers) bool {
	if h := d.handlers[regs.Vector]; h != nil {
		h(regs)
		return true
	}

	if d.Unhandled != nil {
		d.Unhandled(regs)
	}
	return false
}
