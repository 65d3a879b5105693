package heap

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/cpu"
	"github.com/alexeev-prog/KintsugiOS/kernel/irq"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/physmem"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/pmm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/vmm"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const testHeapStart = uintptr(0x100000)

var errTestOOM = &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.ResourceExhausted}

// testBackend wires the heap to a real frame allocator and address space
// and can be told to run out of frames.
type testBackend struct {
	*pmm.BitmapAllocator
	*vmm.AddressSpace

	// failAfter is the number of successful frame allocations before
	// AllocFrame starts failing; a negative value never fails.
	failAfter    int
	frameAllocs  int
	frameAttempt int

	// failWrites makes every WriteVirtual call fail.
	failWrites bool
}

func (b *testBackend) WriteVirtual(virtAddr uintptr, buf []byte) *kernel.Error {
	if b.failWrites {
		return vmm.ErrAddressOutOfRange
	}
	return b.AddressSpace.WriteVirtual(virtAddr, buf)
}

func (b *testBackend) AllocFrame() (mm.Frame, *kernel.Error) {
	b.frameAttempt++
	if b.failAfter >= 0 && b.frameAllocs >= b.failAfter {
		return mm.InvalidFrame, errTestOOM
	}

	b.frameAllocs++
	return b.BitmapAllocator.AllocFrame()
}

type failingSink struct {
	t *testing.T
}

func (s failingSink) Panic(title string, err *kernel.Error, details string) {
	s.t.Errorf("unexpected panic %q: %v\n%s", title, err, details)
}

func newTestBackend(t *testing.T, ramSize mm.Size) *testBackend {
	t.Helper()

	mem, goErr := physmem.New(ramSize)
	if goErr != nil {
		t.Fatal(goErr)
	}
	t.Cleanup(func() { _ = mem.Close() })

	alloc := pmm.NewBitmapAllocator(mem.FrameCount())
	as, err := vmm.NewAddressSpace(vmm.Config{
		Memory:     mem,
		AllocFrame: alloc.AllocFrame,
		MMU:        cpu.NewEmulated(),
		Interrupts: &irq.Dispatcher{},
		PanicSink:  failingSink{t},
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testBackend{BitmapAllocator: alloc, AddressSpace: as, failAfter: -1}
}

func newTestHeap(t *testing.T, cfg Config) (*Heap, *testBackend) {
	t.Helper()

	backend := newTestBackend(t, mm.Size(cfg.MaxSize)+2*mm.Mb)
	hp, err := New(cfg, backend)
	if err != nil {
		t.Fatal(err)
	}
	return hp, backend
}

func mustVerify(t *testing.T, hp *Heap) {
	t.Helper()
	if err := hp.Verify(); err != nil {
		t.Fatalf("heap verification failed: %v", err)
	}
}

func mustAlloc(t *testing.T, hp *Heap, size uintptr) uintptr {
	t.Helper()
	ptr, err := hp.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", size, err)
	}
	return ptr
}

func TestNewValidation(t *testing.T) {
	specs := []struct {
		descr string
		cfg   Config
	}{
		{"unaligned start", Config{Start: 0x100010, InitialSize: 0x1000, MaxSize: 0x1000}},
		{"empty initial window", Config{Start: 0x100000, InitialSize: 0, MaxSize: 0x1000}},
		{"unaligned initial window", Config{Start: 0x100000, InitialSize: 100, MaxSize: 0x1000}},
		{"max below initial", Config{Start: 0x100000, InitialSize: 0x2000, MaxSize: 0x1000}},
		{"window past 4G", Config{Start: 0xfffff000, InitialSize: 0x1000, MaxSize: 0x2000}},
	}

	backend := newTestBackend(t, 64*mm.Kb)
	for _, spec := range specs {
		if _, err := New(spec.cfg, backend); err != errInvalidConfig {
			t.Errorf("[%s] expected errInvalidConfig; got %v", spec.descr, err)
		}
	}
}

func TestNewMapsInitialWindow(t *testing.T) {
	hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x10000})

	exp := Info{
		HeapStart:  testHeapStart,
		HeapEnd:    testHeapStart + 0x4000,
		HeapLimit:  testHeapStart + 0x10000,
		BlockSize:  BlockSize,
		TotalFree:  0x4000 - HeaderSize,
		BlockCount: 1,
		FreeBlocks: 1,
	}
	if diff := cmp.Diff(exp, hp.Info()); diff != "" {
		t.Fatalf("unexpected heap info (-want +got):\n%s", diff)
	}

	for addr := hp.Start(); addr < hp.End(); addr += mm.PageSize {
		if _, err := backend.Translate(addr); err != nil {
			t.Fatalf("expected heap page 0x%x to be mapped; got %v", addr, err)
		}
	}
	if _, err := backend.Translate(hp.End()); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the window past the initial size to be unmapped; got %v", err)
	}

	if exp, got := 4, backend.frameAllocs; got != exp {
		t.Fatalf("expected %d heap frames; got %d", exp, got)
	}

	mustVerify(t, hp)
}

func TestNewRollsBackOnFrameExhaustion(t *testing.T) {
	backend := newTestBackend(t, 256*mm.Kb)
	backend.failAfter = 2

	before := backend.ReservedFrames()
	if _, err := New(Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000}, backend); err != errTestOOM {
		t.Fatalf("expected errTestOOM; got %v", err)
	}

	// only the page table created for the window survives
	if exp, got := before+1, backend.ReservedFrames(); got != exp {
		t.Fatalf("expected %d reserved frames after rollback; got %d", exp, got)
	}
	for addr := testHeapStart; addr < testHeapStart+0x4000; addr += mm.PageSize {
		if _, err := backend.Translate(addr); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected 0x%x to be unmapped after rollback; got %v", addr, err)
		}
	}
}

func TestAllocRoundsAndSplits(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 16 * uintptr(mm.Mb), MaxSize: 16 * uintptr(mm.Mb)})

	ptr := mustAlloc(t, hp, 100)
	if exp := testHeapStart + HeaderSize; ptr != exp {
		t.Fatalf("expected first allocation at 0x%x; got 0x%x", exp, ptr)
	}

	exp := []BlockInfo{
		{Addr: testHeapStart, Size: 112, Free: false},
		{Addr: testHeapStart + HeaderSize + 112, Size: 16*uint32(mm.Mb) - 2*HeaderSize - 112, Free: true},
	}
	if diff := cmp.Diff(exp, hp.Blocks()); diff != "" {
		t.Fatalf("unexpected block list (-want +got):\n%s", diff)
	}

	if ptr, err := hp.Alloc(0); ptr != 0 || err != nil {
		t.Fatalf("expected Alloc(0) to return 0, nil; got 0x%x, %v", ptr, err)
	}

	mustVerify(t, hp)
}

func TestAllocNoOverlap(t *testing.T) {
	hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x10000, MaxSize: 0x100000})

	type span struct{ start, end uintptr }
	var (
		rng   = rand.New(rand.NewSource(42))
		live  []span
		total uintptr
	)

	for total < 0x80000 {
		size := uintptr(1 + rng.Intn(3000))
		ptr := mustAlloc(t, hp, size)
		live = append(live, span{ptr, ptr + size})
		total += size

		// stamp each allocation so overlaps would also corrupt headers
		if err := backend.WriteVirtual(ptr, bytes.Repeat([]byte{0xaa}, int(size))); err != nil {
			t.Fatal(err)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].start < live[j].start })
	for i := 1; i < len(live); i++ {
		if live[i].start < live[i-1].end {
			t.Fatalf("allocations [0x%x, 0x%x) and [0x%x, 0x%x) overlap", live[i-1].start, live[i-1].end, live[i].start, live[i].end)
		}
	}

	for _, s := range live {
		if s.start < hp.Start() || s.end > hp.End() {
			t.Fatalf("allocation [0x%x, 0x%x) lies outside the heap", s.start, s.end)
		}
	}

	mustVerify(t, hp)
}

func TestAllocReuse(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000})

	ptr := mustAlloc(t, hp, 200)
	if err := hp.Free(ptr); err != nil {
		t.Fatal(err)
	}

	if got := mustAlloc(t, hp, 200); got != ptr {
		t.Fatalf("expected Alloc to reuse 0x%x; got 0x%x", ptr, got)
	}
	mustVerify(t, hp)
}

func TestFreeCoalesces(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000})

		ptrs := []uintptr{mustAlloc(t, hp, 32), mustAlloc(t, hp, 32), mustAlloc(t, hp, 32)}
		if exp, got := 4, len(hp.Blocks()); got != exp {
			t.Fatalf("expected %d blocks; got %d", exp, got)
		}

		for _, idx := range order {
			if err := hp.Free(ptrs[idx]); err != nil {
				t.Fatal(err)
			}
			mustVerify(t, hp)
		}

		blocks := hp.Blocks()
		if exp, got := 3, len(blocks); got != exp {
			t.Fatalf("[order %v] expected %d blocks; got %d", order, exp, got)
		}
		if exp := (BlockInfo{Addr: testHeapStart, Size: 32 + HeaderSize + 32, Free: true}); blocks[0] != exp {
			t.Fatalf("[order %v] expected merged block %+v; got %+v", order, exp, blocks[0])
		}

		// freeing the last allocation merges everything back into one block
		if err := hp.Free(ptrs[2]); err != nil {
			t.Fatal(err)
		}
		if exp := []BlockInfo{{Addr: testHeapStart, Size: 0x4000 - HeaderSize, Free: true}}; !cmp.Equal(exp, hp.Blocks()) {
			t.Fatalf("[order %v] expected a single free block; got %+v", order, hp.Blocks())
		}
	}
}

func TestAllocBestFit(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000})

	var holes []uintptr
	for _, size := range []uintptr{64, 32, 48, 32} {
		holes = append(holes, mustAlloc(t, hp, size))
		mustAlloc(t, hp, 16) // separator
	}
	for _, ptr := range holes {
		if err := hp.Free(ptr); err != nil {
			t.Fatal(err)
		}
	}

	specs := []struct {
		size   uintptr
		expPtr uintptr
	}{
		// smallest fit, lowest address among equals
		{32, holes[1]},
		{32, holes[3]},
		{40, holes[2]},
		// the 64 byte hole is handed out whole since the slack cannot hold a block
		{33, holes[0]},
	}

	for specIndex, spec := range specs {
		if got := mustAlloc(t, hp, spec.size); got != spec.expPtr {
			t.Errorf("[spec %d] expected Alloc(%d) to return 0x%x; got 0x%x", specIndex, spec.size, spec.expPtr, got)
		}
	}

	if exp, got := uint32(64), hp.Blocks()[0].Size; got != exp {
		t.Fatalf("expected the first block to keep its %d byte capacity; got %d", exp, got)
	}
	mustVerify(t, hp)
}

func TestExpandOncePerGrowthStep(t *testing.T) {
	const window = 16 * uintptr(mm.Mb)
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: window, MaxSize: window + 0x10000})

	mustAlloc(t, hp, 100)
	if exp, got := 2, len(hp.Blocks()); got != exp {
		t.Fatalf("expected the first allocation to leave a free remainder; got %d blocks", got)
	}

	var (
		successes int
		lastErr   *kernel.Error
	)
	for i := 0; i < 32; i++ {
		before := hp.Expansions()
		_, lastErr = hp.Alloc(uintptr(mm.Mb))
		if delta := hp.Expansions() - before; delta > 1 {
			t.Fatalf("allocation %d expanded the heap %d times", i, delta)
		}
		if lastErr != nil {
			break
		}
		successes++
	}

	if lastErr != ErrHeapExhausted {
		t.Fatalf("expected ErrHeapExhausted; got %v", lastErr)
	}
	if exp := 16; successes != exp {
		t.Fatalf("expected %d successful allocations; got %d", exp, successes)
	}
	if exp, got := 1, hp.Expansions(); got != exp {
		t.Fatalf("expected %d expansion; got %d", exp, got)
	}

	// further attempts fail the same way without growing
	if _, err := hp.Alloc(uintptr(mm.Mb)); err != ErrHeapExhausted {
		t.Fatalf("expected ErrHeapExhausted; got %v", err)
	}
	if exp, got := 1, hp.Expansions(); got != exp {
		t.Fatalf("expected %d expansion; got %d", exp, got)
	}

	mustVerify(t, hp)
}

func TestExpandAppendsBlockAfterUsedTail(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x1000, MaxSize: 0x10000})

	mustAlloc(t, hp, 0x1000-HeaderSize)
	second := mustAlloc(t, hp, 100)

	if exp := testHeapStart + 0x1000 + HeaderSize; second != exp {
		t.Fatalf("expected the second allocation at 0x%x; got 0x%x", exp, second)
	}

	exp := []BlockInfo{
		{Addr: testHeapStart, Size: 0x1000 - HeaderSize},
		{Addr: testHeapStart + 0x1000, Size: 112},
		{Addr: testHeapStart + 0x1000 + HeaderSize + 112, Size: 0x1000 - 2*HeaderSize - 112, Free: true},
	}
	if diff := cmp.Diff(exp, hp.Blocks()); diff != "" {
		t.Fatalf("unexpected block list (-want +got):\n%s", diff)
	}
	if exp, got := testHeapStart+0x2000, hp.End(); got != exp {
		t.Fatalf("expected heap end 0x%x; got 0x%x", exp, got)
	}

	mustVerify(t, hp)
}

func TestExpandFrameExhaustion(t *testing.T) {
	hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x1000, MaxSize: 0x10000})

	backend.failAfter = backend.frameAllocs + 1
	reserved := backend.ReservedFrames()
	end := hp.End()

	for attempt := 0; attempt < 2; attempt++ {
		backend.frameAttempt = 0
		if _, err := hp.Alloc(10000); err != errTestOOM {
			t.Fatalf("expected errTestOOM; got %v", err)
		}

		// one page obtained, the second request fails and nothing is retried
		if exp, got := 2, backend.frameAttempt; got != exp {
			t.Fatalf("expected %d frame requests; got %d", exp, got)
		}
		backend.frameAllocs--
	}

	if got := backend.ReservedFrames(); got != reserved {
		t.Fatalf("expected %d reserved frames after rollback; got %d", reserved, got)
	}
	if hp.End() != end || hp.Expansions() != 0 {
		t.Fatalf("expected the heap to stay at 0x%x with no expansions; got 0x%x, %d", end, hp.End(), hp.Expansions())
	}
	if _, err := backend.Translate(end); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected 0x%x to stay unmapped; got %v", end, err)
	}

	mustVerify(t, hp)
}

func TestFreeErrors(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000})

	ptr := mustAlloc(t, hp, 64)
	mustAlloc(t, hp, 64)

	specs := []struct {
		descr  string
		ptr    uintptr
		expErr *kernel.Error
	}{
		{"null pointer", 0, nil},
		{"below the heap", 0x10, ErrInvalidPointer},
		{"heap start", testHeapStart, ErrInvalidPointer},
		{"heap end", testHeapStart + 0x4000, ErrInvalidPointer},
		{"far above the heap", 0xc0000000, ErrInvalidPointer},
		{"inside a payload", ptr + 16, ErrInvalidPointer},
		{"valid", ptr, nil},
		{"double free", ptr, ErrDoubleFree},
	}

	for _, spec := range specs {
		if err := hp.Free(spec.ptr); err != spec.expErr {
			t.Errorf("[%s] expected %v; got %v", spec.descr, spec.expErr, err)
		}
	}

	mustVerify(t, hp)
}

func TestRealloc(t *testing.T) {
	hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000})

	ptr, err := hp.Realloc(0, 256)
	if err != nil || ptr != testHeapStart+HeaderSize {
		t.Fatalf("expected Realloc(0, 256) to allocate at 0x%x; got 0x%x, %v", testHeapStart+HeaderSize, ptr, err)
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err = backend.WriteVirtual(ptr, payload); err != nil {
		t.Fatal(err)
	}

	// shrinking happens in place and the tail merges with the free remainder
	shrunk, err := hp.Realloc(ptr, 64)
	if err != nil || shrunk != ptr {
		t.Fatalf("expected in-place shrink; got 0x%x, %v", shrunk, err)
	}
	if exp, got := 2, len(hp.Blocks()); got != exp {
		t.Fatalf("expected %d blocks after shrinking; got %d", exp, got)
	}
	mustVerify(t, hp)

	grown, err := hp.Realloc(ptr, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if grown == ptr {
		t.Fatal("expected growing to move the allocation")
	}

	got := make([]byte, 64)
	if err = backend.ReadVirtual(grown, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload[:64]) {
		t.Fatalf("expected the first 64 bytes to be copied; got %v", got)
	}

	if blocks := hp.Blocks(); !blocks[0].Free {
		t.Fatal("expected the old block to be released")
	}
	mustVerify(t, hp)

	if ptr, err = hp.Realloc(grown, 0); ptr != 0 || err != nil {
		t.Fatalf("expected Realloc(p, 0) to free; got 0x%x, %v", ptr, err)
	}
	if exp, got := 1, len(hp.Blocks()); got != exp {
		t.Fatalf("expected %d block after freeing everything; got %d", exp, got)
	}

	if _, err = hp.Realloc(0xdead0, 10); err != ErrInvalidPointer {
		t.Fatalf("expected ErrInvalidPointer; got %v", err)
	}

	mustVerify(t, hp)
}

func TestAllocAligned(t *testing.T) {
	t.Run("carves an aligned block from a free block", func(t *testing.T) {
		hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x10000, MaxSize: 0x10000})

		mustAlloc(t, hp, 100)
		ptr, err := hp.AllocAligned(5000)
		if err != nil {
			t.Fatal(err)
		}
		if exp := testHeapStart + 0x1000; ptr != exp {
			t.Fatalf("expected aligned pointer 0x%x; got 0x%x", exp, ptr)
		}

		blocks := hp.Blocks()
		if !blocks[1].Free || blocks[1].Addr != testHeapStart+HeaderSize+112 {
			t.Fatalf("expected a free gap block in front of the aligned block; got %+v", blocks[1])
		}
		if blocks[2].Addr != ptr-HeaderSize || blocks[2].Free {
			t.Fatalf("expected the aligned block header right before the payload; got %+v", blocks[2])
		}
		mustVerify(t, hp)

		if err := hp.Free(ptr); err != nil {
			t.Fatal(err)
		}
		if exp, got := 2, len(hp.Blocks()); got != exp {
			t.Fatalf("expected the gap and the aligned block to merge back; got %d blocks", got)
		}
		mustVerify(t, hp)
	})

	t.Run("grows the heap when needed", func(t *testing.T) {
		hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x1000, MaxSize: 0x10000})

		ptr, err := hp.AllocAligned(0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if ptr&(mm.PageSize-1) != 0 {
			t.Fatalf("expected a page aligned pointer; got 0x%x", ptr)
		}
		if exp, got := 1, hp.Expansions(); got != exp {
			t.Fatalf("expected %d expansion; got %d", exp, got)
		}
		mustVerify(t, hp)
	})
}

func TestGuards(t *testing.T) {
	hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000, Guards: true})

	ptr := mustAlloc(t, hp, 20)
	if exp := testHeapStart + HeaderSize + GuardSize; ptr != exp {
		t.Fatalf("expected payload after the front guard at 0x%x; got 0x%x", exp, ptr)
	}
	if err := backend.WriteVirtual(ptr, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if err := hp.Free(ptr); err != nil {
		t.Fatalf("expected intact guards; got %v", err)
	}

	specs := []struct {
		descr  string
		offset func(ptr uintptr) uintptr
	}{
		{"overrun", func(ptr uintptr) uintptr { return ptr + 32 }},
		{"underrun", func(ptr uintptr) uintptr { return ptr - 1 }},
	}

	for _, spec := range specs {
		ptr := mustAlloc(t, hp, 20)
		mustAlloc(t, hp, 20)
		if err := backend.WriteVirtual(spec.offset(ptr), []byte{0x42}); err != nil {
			t.Fatal(err)
		}

		if err := hp.Free(ptr); err != ErrGuardCorrupted {
			t.Fatalf("[%s] expected ErrGuardCorrupted; got %v", spec.descr, err)
		}
		if !hp.Blocks()[0].Free {
			t.Fatalf("[%s] expected the block to be released", spec.descr)
		}
	}

	// shrinking moves the tail guard
	ptr = mustAlloc(t, hp, 100)
	if _, err := hp.Realloc(ptr, 20); err != nil {
		t.Fatal(err)
	}
	if err := hp.Free(ptr); err != nil {
		t.Fatalf("expected intact guards after shrinking; got %v", err)
	}

	mustVerify(t, hp)
}

func TestOversizedRequestsWithGuards(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x10000, Guards: true})
	before := hp.Blocks()

	sizes := []uintptr{
		^uintptr(0),
		^uintptr(0) - 31,
		^uintptr(0) - 2*GuardSize - BlockSize + 1,
		math.MaxUint32,
		math.MaxUint32 - uintptr(mm.PageSize),
	}

	allocators := map[string]func(uintptr) (uintptr, *kernel.Error){
		"Alloc":        hp.Alloc,
		"AllocAligned": hp.AllocAligned,
	}

	for name, alloc := range allocators {
		for _, size := range sizes {
			if ptr, err := alloc(size); err != ErrHeapExhausted || ptr != 0 {
				t.Errorf("%s(%#x) = (%#x, %v), want ErrHeapExhausted", name, size, ptr, err)
			}
		}
	}

	if diff := cmp.Diff(before, hp.Blocks()); diff != "" {
		t.Fatalf("block list changed (-want +got):\n%s", diff)
	}
	if hp.Expansions() != 0 {
		t.Fatalf("heap grew %d times", hp.Expansions())
	}
	mustVerify(t, hp)
}

func TestAllocRollsBackFailedPlacement(t *testing.T) {
	for _, guards := range []bool{false, true} {
		hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x4000, MaxSize: 0x4000, Guards: guards})
		before := hp.Blocks()

		backend.failWrites = true
		if _, err := hp.Alloc(64); err != vmm.ErrAddressOutOfRange {
			t.Fatalf("guards=%t: expected ErrAddressOutOfRange; got %v", guards, err)
		}
		backend.failWrites = false

		if diff := cmp.Diff(before, hp.Blocks()); diff != "" {
			t.Fatalf("guards=%t: block list changed (-want +got):\n%s", guards, diff)
		}
		mustVerify(t, hp)

		if ptr := mustAlloc(t, hp, 64); ptr != testHeapStart+hp.overhead() {
			t.Fatalf("guards=%t: expected the first block to be reused; got 0x%x", guards, ptr)
		}
		mustVerify(t, hp)
	}
}

func TestDump(t *testing.T) {
	hp, _ := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x2000, MaxSize: 0x2000})
	mustAlloc(t, hp, 100)

	var buf bytes.Buffer
	hp.Dump(&buf)

	exp := "Heap: 100000 - 102000 (8192 bytes)\n" +
		"Block size: 16 bytes\n" +
		"Total: USED=112 bytes, FREE=8048 bytes, in 2 blocks\n" +
		"Block 0: 100000, Size=112, USED\n" +
		"Block 1: 100080, Size=8048, FREE\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected dump:\n%s\ngot:\n%s", exp, got)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Run("overwritten header", func(t *testing.T) {
		hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x2000, MaxSize: 0x2000})
		mustAlloc(t, hp, 100)

		if err := backend.WriteVirtual(testHeapStart+12, []byte{0, 0, 0, 0}); err != nil {
			t.Fatal(err)
		}

		if err := hp.Verify(); errors.Cause(err) != ErrHeapCorrupted {
			t.Fatalf("expected ErrHeapCorrupted; got %v", err)
		}
	})

	t.Run("unmapped heap page", func(t *testing.T) {
		hp, backend := newTestHeap(t, Config{Start: testHeapStart, InitialSize: 0x2000, MaxSize: 0x2000})
		mustAlloc(t, hp, 100)

		if err := backend.Unmap(mm.PageFromAddress(testHeapStart + 0x1000)); err != nil {
			t.Fatal(err)
		}

		if err := hp.Verify(); errors.Cause(err) != ErrHeapCorrupted {
			t.Fatalf("expected ErrHeapCorrupted; got %v", err)
		}
	})
}
