package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/cpu"
	"github.com/alexeev-prog/KintsugiOS/kernel/kmem"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	workers     int
	parallel    int
	ops         int
	maxAlloc    int
	verifyEvery int
	seed        int64
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "run randomized heap workloads on independent managers and check the heap invariants"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return "stress [-workers n] [-parallel n] [-ops n] [-max-alloc bytes] [-verify-every n] [-seed n]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", 4, "number of independent memory managers")
	f.IntVar(&c.parallel, "parallel", 0, "maximum number of managers running at once; 0 means no limit")
	f.IntVar(&c.ops, "ops", 10000, "operations per manager")
	f.IntVar(&c.maxAlloc, "max-alloc", 8192, "largest allocation request in bytes")
	f.IntVar(&c.verifyEvery, "verify-every", 500, "check the heap invariants after this many operations")
	f.Int64Var(&c.seed, "seed", 1, "seed of the first worker; worker i uses seed+i")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.workers <= 0 || c.ops < 0 || c.maxAlloc <= 0 || c.verifyEvery <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	results, err := runStress(ctx, args[0].(*config.Config), stressOptions{
		workers:     c.workers,
		parallel:    c.parallel,
		ops:         c.ops,
		maxAlloc:    c.maxAlloc,
		verifyEvery: c.verifyEvery,
		seed:        c.seed,
	})
	for _, r := range results {
		fmt.Fprintf(os.Stdout, "worker %d: %d allocs, %d frees, %d reallocs, %d live, %d expansions\n",
			r.worker, r.allocs, r.frees, r.reallocs, r.live, r.expansions)
	}
	if err != nil {
		exit(err)
	}
	return subcommands.ExitSuccess
}

type stressOptions struct {
	workers     int
	parallel    int
	ops         int
	maxAlloc    int
	verifyEvery int
	seed        int64
}

type stressResult struct {
	worker     int
	allocs     int
	frees      int
	reallocs   int
	live       int
	expansions int
}

// haltRecorder turns a report from the panic sink into a stress failure
// and halts the worker's CPU.
type haltRecorder struct {
	cpu   *cpu.Emulated
	title string
	err   *kernel.Error
}

func (s *haltRecorder) Panic(title string, err *kernel.Error, details string) {
	s.title, s.err = title, err
	s.cpu.Halt()
}

// runStress boots one manager per worker and runs the workloads
// concurrently. It returns the first failure.
func runStress(ctx context.Context, cfg *config.Config, opts stressOptions) ([]stressResult, error) {
	results := make([]stressResult, opts.workers)

	g, ctx := errgroup.WithContext(ctx)
	if opts.parallel > 0 {
		g.SetLimit(opts.parallel)
	}

	for i := 0; i < opts.workers; i++ {
		g.Go(func() error {
			results[i].worker = i
			return stressWorker(ctx, cfg, opts, &results[i])
		})
	}

	return results, g.Wait()
}

type liveAlloc struct {
	ptr  uintptr
	size int
	fill byte
}

func stressWorker(ctx context.Context, cfg *config.Config, opts stressOptions, res *stressResult) error {
	emu := cpu.NewEmulated()
	sink := &haltRecorder{cpu: emu}
	m, err := kmem.New(cfg, kmem.Options{CPU: emu, PanicSink: sink})
	if err != nil {
		return errors.Wrapf(err, "worker %d", res.worker)
	}
	defer m.Close()

	var (
		rng  = rand.New(rand.NewSource(opts.seed + int64(res.worker)))
		live []liveAlloc
	)

	fail := func(op string, kerr *kernel.Error) error {
		if sink.err != nil {
			return errors.Errorf("worker %d: %s: %s (%s)", res.worker, op, sink.title, sink.err.Message)
		}
		return errors.Wrapf(kerr, "worker %d: %s", res.worker, op)
	}

	for op := 1; op <= opts.ops; op++ {
		if op%64 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		switch r := rng.Intn(10); {
		case r < 5 || len(live) == 0:
			a := liveAlloc{size: 1 + rng.Intn(opts.maxAlloc), fill: byte(rng.Intn(256))}
			var kerr *kernel.Error
			if rng.Intn(8) == 0 {
				a.ptr, kerr = m.KmallocA(uintptr(a.size))
			} else {
				a.ptr, kerr = m.Kmalloc(uintptr(a.size))
			}
			if kerr != nil {
				return fail("alloc", kerr)
			}
			if kerr = m.WriteVirtual(a.ptr, bytes.Repeat([]byte{a.fill}, a.size)); kerr != nil {
				return fail("write", kerr)
			}
			live = append(live, a)
			res.allocs++

		case r < 9:
			idx := rng.Intn(len(live))
			a := live[idx]
			if err := checkFill(m, a); err != nil {
				return errors.Wrapf(err, "worker %d", res.worker)
			}
			if kerr := m.Kfree(a.ptr); kerr != nil {
				return fail("free", kerr)
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			res.frees++

		default:
			idx := rng.Intn(len(live))
			a := live[idx]
			newSize := 1 + rng.Intn(opts.maxAlloc)
			ptr, kerr := m.Krealloc(a.ptr, uintptr(newSize))
			if kerr != nil {
				return fail("realloc", kerr)
			}

			// The common prefix survives the move.
			live[idx] = liveAlloc{ptr: ptr, size: min(a.size, newSize), fill: a.fill}
			if err := checkFill(m, live[idx]); err != nil {
				return errors.Wrapf(err, "worker %d", res.worker)
			}
			live[idx].size = newSize
			if kerr = m.WriteVirtual(ptr, bytes.Repeat([]byte{a.fill}, newSize)); kerr != nil {
				return fail("write", kerr)
			}
			res.reallocs++
		}

		if op%opts.verifyEvery == 0 {
			if err := m.Verify(); err != nil {
				return errors.Wrapf(err, "worker %d after %d operations", res.worker, op)
			}
		}
	}

	res.live = len(live)
	info, kerr := m.MemInfo()
	if kerr != nil {
		return fail("meminfo", kerr)
	}
	res.expansions = info.Expansions

	return m.Verify()
}

// checkFill reads back an allocation and compares it with its fill byte.
func checkFill(m *kmem.Manager, a liveAlloc) error {
	buf := make([]byte, a.size)
	if kerr := m.ReadVirtual(a.ptr, buf); kerr != nil {
		return kerr
	}

	for i, b := range buf {
		if b != a.fill {
			return errors.Errorf("allocation at 0x%x: byte %d overwritten", a.ptr, i)
		}
	}
	return nil
}
