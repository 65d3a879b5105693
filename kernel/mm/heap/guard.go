package heap

import (
	"bytes"
	"encoding/binary"

	"github.com/alexeev-prog/KintsugiOS/kernel"
)

// guardPattern returns a GuardSize buffer filled with GuardMagic.
func guardPattern() []byte {
	pattern := make([]byte, GuardSize)
	for off := 0; off < GuardSize; off += 4 {
		binary.LittleEndian.PutUint32(pattern[off:], GuardMagic)
	}
	return pattern
}

// guardAddrs returns the addresses of the guard regions of h.
func (hp *Heap) guardAddrs(h handle) (front, back uintptr) {
	b := hp.blocks[h]
	front = b.addr + HeaderSize
	back = front + hp.guardSize + uintptr(b.used)
	return front, back
}

func (hp *Heap) stampGuards(h handle) *kernel.Error {
	if hp.guardSize == 0 {
		return nil
	}

	front, _ := hp.guardAddrs(h)
	if err := hp.backend.WriteVirtual(front, guardPattern()); err != nil {
		return err
	}
	return hp.stampTailGuard(h)
}

func (hp *Heap) stampTailGuard(h handle) *kernel.Error {
	if hp.guardSize == 0 {
		return nil
	}

	_, back := hp.guardAddrs(h)
	return hp.backend.WriteVirtual(back, guardPattern())
}

// checkGuards returns false if either guard region of h no longer holds
// GuardMagic.
func (hp *Heap) checkGuards(h handle) bool {
	if hp.guardSize == 0 {
		return true
	}

	var (
		pattern = guardPattern()
		got     = make([]byte, GuardSize)
	)

	front, back := hp.guardAddrs(h)
	for _, addr := range []uintptr{front, back} {
		if err := hp.backend.ReadVirtual(addr, got); err != nil || !bytes.Equal(got, pattern) {
			hp.log.WithField("block", hp.blocks[h].addr).Warnf("guard at 0x%08x overwritten", addr)
			return false
		}
	}
	return true
}
