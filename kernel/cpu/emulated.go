package cpu

import "sync"

// Emulated is a software model of the single x86 core used by the kernel. It
// implements both CPU and MMU and records every TLB maintenance operation so
// callers can observe them.
type Emulated struct {
	mu sync.Mutex

	cr0 uint32
	cr2 uintptr
	cr3 uintptr

	interruptsEnabled bool
	halted            bool

	// tlb caches virtual page numbers that have been translated since the
	// last flush.
	tlb map[uintptr]struct{}

	invalidations []uintptr
	flushes       int
}

// NewEmulated returns an emulated CPU with interrupts enabled and paging
// disabled.
func NewEmulated() *Emulated {
	return &Emulated{
		interruptsEnabled: true,
		tlb:               make(map[uintptr]struct{}),
	}
}

// LoadRoot implements MMU.
func (c *Emulated) LoadRoot(pdtPhysAddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cr3 = pdtPhysAddr
	c.tlb = make(map[uintptr]struct{})
	c.flushes++
}

// ActiveRoot implements MMU.
func (c *Emulated) ActiveRoot() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr3
}

// Invalidate implements MMU.
func (c *Emulated) Invalidate(virtAddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tlb, virtAddr>>12)
	c.invalidations = append(c.invalidations, virtAddr)
}

// FaultAddress implements MMU.
func (c *Emulated) FaultAddress() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr2
}

// Enable implements MMU.
func (c *Emulated) Enable() {
	c.mu.Lock()
	c.cr0 |= CR0PagingEnabled
	c.mu.Unlock()
}

// CR0 returns the value of the CR0 control register.
func (c *Emulated) CR0() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr0
}

// PagingEnabled returns true if CR0.PG is set.
func (c *Emulated) PagingEnabled() bool {
	return c.CR0()&CR0PagingEnabled != 0
}

// RaiseFault latches addr into CR2 the way the CPU does right before
// delivering a page fault exception.
func (c *Emulated) RaiseFault(addr uintptr) {
	c.mu.Lock()
	c.cr2 = addr
	c.mu.Unlock()
}

// Touch records that the translation for virtAddr is now cached in the TLB.
func (c *Emulated) Touch(virtAddr uintptr) {
	c.mu.Lock()
	c.tlb[virtAddr>>12] = struct{}{}
	c.mu.Unlock()
}

// Cached returns true if the translation for virtAddr is cached in the TLB.
func (c *Emulated) Cached(virtAddr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tlb[virtAddr>>12]
	return ok
}

// Invalidations returns the addresses passed to Invalidate, in call order.
func (c *Emulated) Invalidations() []uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uintptr(nil), c.invalidations...)
}

// Flushes returns the number of full TLB flushes caused by LoadRoot.
func (c *Emulated) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// DisableInterrupts implements CPU.
func (c *Emulated) DisableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.interruptsEnabled
	c.interruptsEnabled = false
	return prev
}

// RestoreInterrupts implements CPU.
func (c *Emulated) RestoreInterrupts(enabled bool) {
	if !enabled {
		return
	}

	c.mu.Lock()
	if !c.halted {
		c.interruptsEnabled = true
	}
	c.mu.Unlock()
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *Emulated) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptsEnabled
}

// Halt implements CPU. A halted emulated CPU stays halted; interrupts are
// disabled so nothing can resume execution.
func (c *Emulated) Halt() {
	c.mu.Lock()
	c.halted = true
	c.interruptsEnabled = false
	c.mu.Unlock()
}

// Halted implements CPU.
func (c *Emulated) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}
