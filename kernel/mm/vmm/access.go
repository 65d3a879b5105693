package vmm

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/irq"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// ReadVirtual copies len(buf) bytes starting at virtAddr into buf. Accessing
// a page that is not present delivers a page fault and returns ErrPageFault.
func (as *AddressSpace) ReadVirtual(virtAddr uintptr, buf []byte) *kernel.Error {
	return as.access(virtAddr, buf, false)
}

// WriteVirtual copies buf to the memory starting at virtAddr. Writing to a
// page that is not present or not writable delivers a page fault and
// returns ErrPageFault. Supervisor writes honour the RW flag, as they do
// with CR0.WP set.
func (as *AddressSpace) WriteVirtual(virtAddr uintptr, buf []byte) *kernel.Error {
	return as.access(virtAddr, buf, true)
}

func (as *AddressSpace) access(virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	var errorCode uint32
	if write {
		errorCode = irq.FaultWrite
	}

	for len(buf) > 0 {
		pte, err := as.lookup(virtAddr)
		switch {
		case err == ErrAddressOutOfRange || err == errNoHugePageSupport:
			return err
		case err != nil:
			as.raisePageFault(virtAddr, errorCode)
			return ErrPageFault
		case write && !pte.HasFlags(FlagRW):
			as.raisePageFault(virtAddr, errorCode|irq.FaultProtection)
			return ErrPageFault
		}

		offset := mm.PageOffset(virtAddr)
		n := min(uintptr(len(buf)), mm.PageSize-offset)
		phys, err := as.mem.Slice(pte.Frame().Address()+offset, n)
		if err != nil {
			return err
		}

		if write {
			copy(phys, buf[:n])
			pte.SetFlags(FlagAccessed | FlagDirty)
		} else {
			copy(buf[:n], phys)
			pte.SetFlags(FlagAccessed)
		}

		if tlb, ok := as.mmu.(tlbRecorder); ok {
			tlb.Touch(virtAddr)
		}

		buf = buf[n:]
		virtAddr += n
	}

	return nil
}
