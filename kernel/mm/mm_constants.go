package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// AddressSpaceSize is the size of the 32-bit virtual and physical
	// address spaces handled by the two-level x86 paging scheme.
	AddressSpaceSize = uint64(1) << 32
)
