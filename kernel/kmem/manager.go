// Package kmem assembles the frame allocator, the page table manager and the
// heap into the kernel memory manager. Every entry point masks interrupts
// for its duration, rejects reentrant calls and escalates fatal errors to
// the panic sink exactly once.
package kmem

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/cpu"
	"github.com/alexeev-prog/KintsugiOS/kernel/irq"
	"github.com/alexeev-prog/KintsugiOS/kernel/kfmt"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/heap"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/physmem"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/pmm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/vmm"
	"github.com/alexeev-prog/KintsugiOS/kernel/sync"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHalted is returned by every call made after a fatal error halted the CPU.
	ErrHalted = &kernel.Error{Module: "kmem", Message: "system halted", Kind: kernel.HardwareFault}

	// ErrReentrant is returned when a memory manager call is made while another one is in progress.
	ErrReentrant = &kernel.Error{Module: "kmem", Message: "memory manager is not reentrant", Kind: kernel.InvalidOperation}

	// ErrAlreadyMapped is returned by MapPage for a virtual page that is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "kmem", Message: "virtual page is already mapped", Kind: kernel.InvalidOperation}

	errNilDirectory = &kernel.Error{Module: "kmem", Message: "page directory must not be nil", Kind: kernel.InvalidOperation}
)

// Warnings about misuse are limited to a burst of warnBurst and then one
// per warnInterval.
const (
	warnInterval = time.Second
	warnBurst    = 10
)

// Options supplies the hardware collaborators of a Manager. Zero fields are
// replaced with an emulated CPU, a fresh interrupt dispatcher and a sink
// that halts the CPU.
type Options struct {
	CPU        cpu.CPU
	MMU        cpu.MMU
	Interrupts vmm.InterruptController
	PanicSink  kfmt.PanicSink
}

// Manager owns the physical memory, the frame bitmap, the kernel page
// directory and the heap.
type Manager struct {
	cfg *config.Config

	cpu        cpu.CPU
	mmu        cpu.MMU
	interrupts vmm.InterruptController
	sink       kfmt.PanicSink

	mem    *physmem.Memory
	frames *pmm.BitmapAllocator
	vm     *vmm.AddressSpace
	heap   *heap.Heap

	lock   sync.Spinlock
	halted bool

	log  *logrus.Entry
	warn *kfmt.RateLimitedLogger
}

// frameMapper gives the heap direct access to the frame allocator and the
// address space. The Manager is already inside a guarded call whenever the
// heap uses it.
type frameMapper struct {
	*pmm.BitmapAllocator
	*vmm.AddressSpace
}

// trackingSink marks the manager halted before forwarding a report so that
// later calls fail fast and no error is reported twice.
type trackingSink struct {
	m *Manager
}

func (s trackingSink) Panic(title string, err *kernel.Error, details string) {
	s.m.panic(title, err, details)
}

// New boots the memory subsystem described by cfg: it reserves low memory
// and the configured regions, builds the kernel page directory with an
// identity map of low memory, enables paging and creates the heap.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		cpu:        opts.CPU,
		mmu:        opts.MMU,
		interrupts: opts.Interrupts,
		sink:       opts.PanicSink,
		log:        kfmt.Logger("kmem"),
		warn:       kfmt.NewRateLimitedLogger("kmem", warnInterval, warnBurst),
	}

	if m.cpu == nil {
		m.cpu = cpu.NewEmulated()
	}
	if m.mmu == nil {
		mmu, ok := m.cpu.(cpu.MMU)
		if !ok {
			return nil, errors.New("no MMU supplied and the CPU does not implement one")
		}
		m.mmu = mmu
	}
	if m.interrupts == nil {
		m.interrupts = &irq.Dispatcher{}
	}
	if m.sink == nil {
		m.sink = &kfmt.HaltingSink{CPU: m.cpu}
	}

	var err error
	if m.mem, err = physmem.New(cfg.Memory.PhysicalSize); err != nil {
		return nil, err
	}

	if kerr := m.boot(); kerr != nil {
		_ = m.mem.Close()
		return nil, errors.Wrap(kerr, "booting memory manager")
	}

	return m, nil
}

func (m *Manager) boot() *kernel.Error {
	m.frames = pmm.NewBitmapAllocator(m.mem.FrameCount())

	identitySize := uintptr(m.cfg.Memory.IdentityMapSize)
	m.frames.ReserveRegion(0, identitySize)
	for _, r := range m.cfg.Memory.Reserved {
		m.frames.ReserveRegion(uintptr(r.Start), uintptr(r.Size))
		m.log.Debugf("reserved %s region at 0x%08x (%s)", r.Name, uint32(r.Start), r.Size)
	}

	var err *kernel.Error
	m.vm, err = vmm.NewAddressSpace(vmm.Config{
		Memory:     m.mem,
		AllocFrame: m.frames.AllocFrame,
		MMU:        m.mmu,
		Interrupts: m.interrupts,
		PanicSink:  trackingSink{m},
	})
	if err != nil {
		return err
	}

	if identitySize != 0 {
		if _, err = m.vm.IdentityMapRegion(0, identitySize, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}
	m.vm.SwitchPageDirectory(m.vm.KernelDirectory())

	m.heap, err = heap.New(heap.Config{
		Start:       uintptr(m.cfg.Heap.Start),
		InitialSize: uintptr(m.cfg.Heap.InitialSize),
		MaxSize:     uintptr(m.cfg.Heap.MaxSize),
		Guards:      m.cfg.Heap.Guards,
	}, frameMapper{m.frames, m.vm})
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"frames":    m.frames.TotalFrames(),
		"reserved":  m.frames.ReservedFrames(),
		"heapStart": fmt.Sprintf("0x%08x", m.heap.Start()),
		"heapEnd":   fmt.Sprintf("0x%08x", m.heap.End()),
	}).Info("memory manager initialized")
	return nil
}

// Close releases the emulated physical memory.
func (m *Manager) Close() error {
	return m.mem.Close()
}

// Halted returns true once a fatal error has been reported.
func (m *Manager) Halted() bool {
	return m.halted || m.cpu.Halted()
}

// Interrupts returns the controller that the page fault handler is
// registered with.
func (m *Manager) Interrupts() vmm.InterruptController {
	return m.interrupts
}

// call runs fn with interrupts masked. It fails with ErrHalted after a
// fatal error and with ErrReentrant if another call is in progress. The
// error returned by fn is passed through unchanged.
func (m *Manager) call(fn func() *kernel.Error) *kernel.Error {
	if m.Halted() {
		return ErrHalted
	}

	if !m.lock.TryToAcquire() {
		m.warn.Warnf("reentrant memory manager call rejected")
		return ErrReentrant
	}

	enabled := m.cpu.DisableInterrupts()
	defer func() {
		m.lock.Release()
		m.cpu.RestoreInterrupts(enabled)
	}()

	return fn()
}

// guarded runs fn through call and applies the error policy to the result.
func (m *Manager) guarded(op string, fn func() *kernel.Error) *kernel.Error {
	return m.report(op, m.call(fn))
}

// report applies the error policy: invalid operations are logged and
// returned, corruption is logged or escalated according to the configured
// policy and everything else is escalated to the panic sink.
func (m *Manager) report(op string, err *kernel.Error) *kernel.Error {
	if err == nil || err == ErrHalted || err == ErrReentrant {
		return err
	}

	switch {
	case !err.Fatal():
		m.warn.Warnf("%s: %s", op, err.Message)
	case err.Kind == kernel.CorruptionDetected && m.cfg.Heap.CorruptionPolicy == config.PolicyWarn:
		m.log.WithField("op", op).Warnf("[%s] %s", err.Module, err.Message)
	default:
		m.panic(panicTitle(err), err, m.panicDetails(op, err))
	}

	return err
}

// panic reports err through the sink unless the system is already halted.
func (m *Manager) panic(title string, err *kernel.Error, details string) {
	if m.halted {
		return
	}

	m.halted = true
	m.sink.Panic(title, err, details)
}

func panicTitle(err *kernel.Error) string {
	switch err.Kind {
	case kernel.ResourceExhausted:
		return "Out of memory"
	case kernel.CorruptionDetected:
		return "Heap corruption"
	case kernel.HardwareFault:
		return "Hardware fault"
	default:
		return "Memory manager error"
	}
}

func (m *Manager) panicDetails(op string, err *kernel.Error) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s failed: %s\n", op, err.Message)
	fmt.Fprintf(&b, "frames: %d used, %d free of %d\n",
		m.frames.ReservedFrames(), m.frames.FreeFrames(), m.frames.TotalFrames())
	fmt.Fprintf(&b, "heap: 0x%08x - 0x%08x, window ends at 0x%08x\n",
		m.heap.Start(), m.heap.End(), m.heap.Limit())
	return b.String()
}
